// Package audio normalizes audio-ready notifications and forwards them to a
// playback queue that plays each playback group in sequence order.
package audio

import (
	"context"
	"fmt"
	"time"
)

// Chunk is one playable audio segment.
type Chunk struct {
	ID             string `json:"id"`
	URL            string `json:"url"`
	SequenceNumber int    `json:"sequence_number"`
	// TotalChunks is 0 when the server did not say.
	TotalChunks   int    `json:"total_chunks,omitempty"`
	PlaybackGroup string `json:"playback_group"`
	Format        string `json:"format,omitempty"`
}

// Entry is a chunk tagged with the session it arrived on.
type Entry struct {
	Chunk
	SessionID string    `json:"session_id"`
	ArrivedAt time.Time `json:"arrived_at"`
}

// PlaybackQueue accepts entries for ordered playback. Enqueue reports false
// for an id it has already accepted.
type PlaybackQueue interface {
	Enqueue(ctx context.Context, e Entry) (bool, error)
}

// DefaultGroup is the playback group for chunks that do not name one.
func DefaultGroup(sessionID string) string {
	return sessionID + ":default"
}

// SynthesizeID builds a chunk id for notifications that lack one.
func SynthesizeID(sessionID, group string, seq int, arrived time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%d", sessionID, group, seq, arrived.UnixNano())
}

package audio

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/whisper/campaign-sync/internal/metrics"
	"github.com/whisper/campaign-sync/internal/protocol"
)

// Sequencer turns audio notifications into entries that carry enough
// ordering metadata for the playback queue. It does not buffer or reorder.
// It must only be used from the event loop.
type Sequencer struct {
	clock  clock.Clock
	logger *zap.Logger
	seen   map[string]map[string]struct{}
}

// NewSequencer creates a Sequencer. A nil clock selects the wall clock.
func NewSequencer(clk clock.Clock, logger *zap.Logger) *Sequencer {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{
		clock:  clk,
		logger: logger,
		seen:   make(map[string]map[string]struct{}),
	}
}

// OnChunkReady normalizes one chunk notification. It returns false when the
// chunk has no playable URL or its id was already forwarded for the session.
func (s *Sequencer) OnChunkReady(sessionID string, p protocol.ChunkPayload) (Entry, bool) {
	if sessionID == "" {
		return Entry{}, false
	}
	url := resolveURL(p.URL, p.AudioURL)
	if url == "" {
		s.logger.Warn("dropping audio chunk without url",
			zap.String("session_id", sessionID),
			zap.String("chunk_id", p.ID),
			zap.String("playback_group", p.PlaybackGroup),
		)
		metrics.AudioChunks.WithLabelValues("dropped").Inc()
		return Entry{}, false
	}

	now := s.clock.Now()
	group := p.PlaybackGroup
	if group == "" {
		group = DefaultGroup(sessionID)
	}

	seq := 0
	switch {
	case p.SequenceNumber != nil:
		seq = *p.SequenceNumber
	case p.ChunkNumber != nil:
		seq = *p.ChunkNumber
	default:
		s.logger.Debug("audio chunk has no sequence number",
			zap.String("session_id", sessionID),
			zap.String("playback_group", group),
		)
	}

	total := 0
	if p.TotalChunks != nil {
		total = *p.TotalChunks
	}

	id := p.ID
	if id == "" {
		id = SynthesizeID(sessionID, group, seq, now)
	}

	e := Entry{
		Chunk: Chunk{
			ID:             id,
			URL:            url,
			SequenceNumber: seq,
			TotalChunks:    total,
			PlaybackGroup:  group,
		},
		SessionID: sessionID,
		ArrivedAt: now,
	}
	return e, s.markSeen(sessionID, id)
}

// OnWholePayload normalizes a non-chunked clip into a single-chunk group.
func (s *Sequencer) OnWholePayload(sessionID string, p protocol.AudioPayload) (Entry, bool) {
	if sessionID == "" {
		return Entry{}, false
	}
	url := resolveURL(p.URL, p.AudioURL)
	if url == "" {
		s.logger.Warn("dropping audio payload without url",
			zap.String("session_id", sessionID),
			zap.String("audio_id", p.ID),
		)
		metrics.AudioChunks.WithLabelValues("dropped").Inc()
		return Entry{}, false
	}

	now := s.clock.Now()
	id := p.ID
	if id == "" {
		id = SynthesizeID(sessionID, "whole", 0, now)
	}

	e := Entry{
		Chunk: Chunk{
			ID:             id,
			URL:            url,
			SequenceNumber: 0,
			TotalChunks:    1,
			PlaybackGroup:  sessionID + ":whole:" + id,
			Format:         p.Format,
		},
		SessionID: sessionID,
		ArrivedAt: now,
	}
	return e, s.markSeen(sessionID, id)
}

func (s *Sequencer) markSeen(sessionID, id string) bool {
	ids, ok := s.seen[sessionID]
	if !ok {
		ids = make(map[string]struct{})
		s.seen[sessionID] = ids
	}
	if _, dup := ids[id]; dup {
		metrics.AudioChunks.WithLabelValues("duplicate").Inc()
		return false
	}
	ids[id] = struct{}{}
	return true
}

// Forget drops the seen-id set of a session.
func (s *Sequencer) Forget(sessionID string) {
	delete(s.seen, sessionID)
}

func resolveURL(url, audioURL string) string {
	if url != "" {
		return url
	}
	return audioURL
}

// Retract removes id from the session's seen set so a later redelivery is
// forwarded again. Used when the playback queue rejected the entry.
func (s *Sequencer) Retract(sessionID, id string) {
	if ids, ok := s.seen[sessionID]; ok {
		delete(ids, id)
	}
}

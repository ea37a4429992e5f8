// Package chat models the campaign message timeline and reconciles the
// optimistic local copy with the server's authoritative history.
package chat

import (
	"encoding/json"
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderDM     Sender = "dm"
	SenderSystem Sender = "system"
)

// Message is one entry in a session timeline. A message is either local-only
// (IsLocal, not yet confirmed by the server) or confirmed.
type Message struct {
	LocalID           string          `json:"local_id"`
	ServerMessageID   string          `json:"server_message_id,omitempty"`
	Text              string          `json:"text"`
	Sender            Sender          `json:"sender"`
	Timestamp         string          `json:"timestamp"`
	IsLocal           bool            `json:"is_local"`
	StructuredContent json.RawMessage `json:"structured_content,omitempty"`
	HasAudio          bool            `json:"has_audio"`
	CharacterName     string          `json:"character_name,omitempty"`
}

// Key returns the identity of a confirmed message: its server id when known,
// otherwise its timestamp.
func (m Message) Key() string {
	if m.ServerMessageID != "" {
		return m.ServerMessageID
	}
	return m.Timestamp
}

// Time parses the message timestamp. The zero time is returned for
// timestamps that are missing or not RFC 3339.
func (m Message) Time() time.Time {
	return ParseTimestamp(m.Timestamp)
}

// ParseTimestamp accepts RFC 3339 with or without fractional seconds.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

// FormatTimestamp renders t the way the server does.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Clone returns a deep copy of msgs.
func Clone(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if out[i].StructuredContent != nil {
			out[i].StructuredContent = append(json.RawMessage(nil), out[i].StructuredContent...)
		}
	}
	return out
}

// LatestBySender returns the index of the most recent message from sender,
// or -1 if there is none. Messages are assumed to be in timeline order.
func LatestBySender(msgs []Message, sender Sender) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == sender {
			return i
		}
	}
	return -1
}

// LatestNonSystem returns the index of the most recent message that was not
// authored by the system, or -1.
func LatestNonSystem(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender != SenderSystem {
			return i
		}
	}
	return -1
}

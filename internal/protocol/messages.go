// Package protocol defines the campaign streaming wire format. Every frame is
// one JSON object carrying a "type" discriminator. Server frames decode into
// a closed set of Event types so consumers can switch over them
// exhaustively; client frames are built with NewClientMessage.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuth          = "auth"
	TypePlayerMessage = "player_message"
)

// Server -> Client message types.
const (
	TypePlayerSuggestion    = "player_suggestion"
	TypeAudioAvailable      = "audio_available"
	TypeAudioChunkReady     = "audio_chunk_ready"
	TypeNarrativeChunk      = "narrative_chunk"
	TypePlayerResponseChunk = "player_response_chunk"
	TypeMetadataUpdate      = "metadata_update"
	TypeInitializationError = "initialization_error"
	TypeCampaignUpdated     = "campaign_updated"
	TypeCampaignLoaded      = "campaign_loaded"
	TypeCampaignActive      = "campaign_active"
)

var (
	// ErrMissingType is returned for frames without a "type" field.
	ErrMissingType = errors.New("protocol: missing or empty \"type\" field")
	// ErrUnknownType is returned for frames whose type is not a server event.
	ErrUnknownType = errors.New("protocol: unknown server message type")
)

// DecodeError reports a frame whose type was recognised but whose payload
// could not be decoded.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: failed to decode %q payload: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return ErrMissingType
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// Event is implemented only by the server event structs in this package.
type Event interface {
	// EventType returns the wire discriminator.
	EventType() string
	// CampaignID returns the campaign the event belongs to, or "" when the
	// server did not say.
	CampaignID() string

	isEvent()
}

// Base carries the fields shared by every server event.
type Base struct {
	Type     string `json:"type"`
	Campaign string `json:"campaign_id,omitempty"`
}

func (b Base) EventType() string  { return b.Type }
func (b Base) CampaignID() string { return b.Campaign }
func (Base) isEvent()             {}

// SuggestionMetadata describes who a player suggestion is for.
type SuggestionMetadata struct {
	CharacterName string `json:"character_name"`
	MessageID     string `json:"message_id"`
	Timestamp     string `json:"timestamp"`
}

// Suggestion is a server-proposed player action.
type Suggestion struct {
	Content  string             `json:"content"`
	Metadata SuggestionMetadata `json:"metadata"`
}

// PlayerSuggestion offers the player a dismissible suggested action.
type PlayerSuggestion struct {
	Base
	Suggestion Suggestion `json:"suggestion"`
}

// AudioPayload is a whole, non-chunked audio clip.
type AudioPayload struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
	Format   string `json:"format,omitempty"`
}

// AudioAvailable announces a whole audio clip ready for playback.
type AudioAvailable struct {
	Base
	Audio AudioPayload `json:"audio"`
}

// ChunkPayload is one segment of a chunked audio stream. Numeric fields are
// pointers so absence can be told apart from zero.
type ChunkPayload struct {
	ID             string `json:"id,omitempty"`
	URL            string `json:"url,omitempty"`
	AudioURL       string `json:"audio_url,omitempty"`
	ChunkNumber    *int   `json:"chunk_number,omitempty"`
	TotalChunks    *int   `json:"total_chunks,omitempty"`
	SequenceNumber *int   `json:"sequence_number,omitempty"`
	PlaybackGroup  string `json:"playback_group,omitempty"`
}

// AudioChunkReady announces one audio segment ready for playback.
type AudioChunkReady struct {
	Base
	Chunk ChunkPayload `json:"chunk"`
}

// NarrativeChunk is a streamed fragment of DM narrative text.
type NarrativeChunk struct {
	Base
	Content string `json:"content"`
	IsFinal bool   `json:"is_final"`
}

// PlayerResponseChunk is a streamed fragment of the player-facing response.
type PlayerResponseChunk struct {
	Base
	Content string `json:"content"`
	IsFinal bool   `json:"is_final"`
}

// MetadataUpdate carries fields to merge into the current snapshot.
type MetadataUpdate struct {
	Base
	Metadata map[string]json.RawMessage `json:"metadata"`
}

// InitializationError reports that the server could not start the campaign.
type InitializationError struct {
	Base
	Message string `json:"error"`
}

// HistoryInfo describes the server-side message history.
type HistoryInfo struct {
	HasHistory   bool `json:"has_history"`
	MessageCount int  `json:"message_count"`
}

// CampaignSnapshot is a full state-of-the-world push. Type is one of
// campaign_updated, campaign_loaded or campaign_active.
type CampaignSnapshot struct {
	Base
	StructuredData map[string]json.RawMessage `json:"structured_data"`
	NeedsResponse  bool                       `json:"needs_response"`
	HistoryInfo    *HistoryInfo               `json:"history_info,omitempty"`
	Streamed       bool                       `json:"streamed"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthMsg is the first frame a client sends when it holds a credential.
type AuthMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// PlayerMessageMsg carries a player's typed action.
type PlayerMessageMsg struct {
	Type       string `json:"type"`
	CampaignID string `json:"campaign_id"`
	Content    string `json:"content"`
	LocalID    string `json:"local_id,omitempty"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerMessage decodes one server frame into its typed Event.
func ParseServerMessage(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrMissingType) {
			return nil, ErrMissingType
		}
		return nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		ev  Event
		err error
	)

	switch env.Type {
	case TypePlayerSuggestion:
		var m PlayerSuggestion
		err = json.Unmarshal(env.Raw, &m)
		ev = &m
	case TypeAudioAvailable:
		var m AudioAvailable
		err = json.Unmarshal(env.Raw, &m)
		ev = &m
	case TypeAudioChunkReady:
		var m AudioChunkReady
		err = json.Unmarshal(env.Raw, &m)
		ev = &m
	case TypeNarrativeChunk:
		var m NarrativeChunk
		err = json.Unmarshal(env.Raw, &m)
		ev = &m
	case TypePlayerResponseChunk:
		var m PlayerResponseChunk
		err = json.Unmarshal(env.Raw, &m)
		ev = &m
	case TypeMetadataUpdate:
		var m MetadataUpdate
		err = json.Unmarshal(env.Raw, &m)
		ev = &m
	case TypeInitializationError:
		var m InitializationError
		err = json.Unmarshal(env.Raw, &m)
		ev = &m
	case TypeCampaignUpdated, TypeCampaignLoaded, TypeCampaignActive:
		var m CampaignSnapshot
		err = json.Unmarshal(env.Raw, &m)
		ev = &m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return nil, &DecodeError{Type: env.Type, Err: err}
	}
	return ev, nil
}

// NewClientMessage creates a JSON-encoded client frame. The msgType is
// injected into the payload under the "type" key, overriding whatever the
// payload struct carried.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client message: %w", err)
	}
	return out, nil
}

// NewAuthMessage builds the authentication handshake frame.
func NewAuthMessage(token string) ([]byte, error) {
	return NewClientMessage(TypeAuth, AuthMsg{Token: token})
}

package ws

import (
	"fmt"

	"github.com/whisper/campaign-sync/internal/protocol"
)

// EventHandler receives typed server events for one session. Snapshot covers
// campaign_updated, campaign_loaded and campaign_active; the variant is in
// EventType.
type EventHandler interface {
	PlayerSuggestion(sessionID string, ev *protocol.PlayerSuggestion)
	AudioAvailable(sessionID string, ev *protocol.AudioAvailable)
	AudioChunkReady(sessionID string, ev *protocol.AudioChunkReady)
	NarrativeChunk(sessionID string, ev *protocol.NarrativeChunk)
	PlayerResponseChunk(sessionID string, ev *protocol.PlayerResponseChunk)
	MetadataUpdate(sessionID string, ev *protocol.MetadataUpdate)
	InitializationError(sessionID string, ev *protocol.InitializationError)
	Snapshot(sessionID string, ev *protocol.CampaignSnapshot)
}

// Dispatch routes ev to the matching handler method. Events that name a
// campaign are routed to that campaign; the rest go to the session whose
// socket delivered them.
func Dispatch(sessionID string, ev protocol.Event, h EventHandler) error {
	if id := ev.CampaignID(); id != "" {
		sessionID = id
	}

	switch e := ev.(type) {
	case *protocol.PlayerSuggestion:
		h.PlayerSuggestion(sessionID, e)
	case *protocol.AudioAvailable:
		h.AudioAvailable(sessionID, e)
	case *protocol.AudioChunkReady:
		h.AudioChunkReady(sessionID, e)
	case *protocol.NarrativeChunk:
		h.NarrativeChunk(sessionID, e)
	case *protocol.PlayerResponseChunk:
		h.PlayerResponseChunk(sessionID, e)
	case *protocol.MetadataUpdate:
		h.MetadataUpdate(sessionID, e)
	case *protocol.InitializationError:
		h.InitializationError(sessionID, e)
	case *protocol.CampaignSnapshot:
		h.Snapshot(sessionID, e)
	default:
		return fmt.Errorf("ws: no handler for event %T", ev)
	}
	return nil
}

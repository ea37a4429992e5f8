package engine

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/whisper/campaign-sync/internal/audio"
	"github.com/whisper/campaign-sync/internal/chat"
	"github.com/whisper/campaign-sync/internal/protocol"
	"github.com/whisper/campaign-sync/internal/session"
	"github.com/whisper/campaign-sync/internal/stream"
	"github.com/whisper/campaign-sync/internal/timers"
	"github.com/whisper/campaign-sync/internal/ws"
)

// sink receives connection callbacks and typed events from the manager. It
// runs on the event loop.
type sink struct {
	e *Engine
}

// ---------------------------------------------------------------------------
// ws.Observer
// ---------------------------------------------------------------------------

func (s sink) OnState(id string, cs ws.ConnState) {
	s.e.store.SetConnection(id, cs)
	s.e.notify(id, KindConnection)
}

func (s sink) OnOpen(id string) {
	s.e.logger.Debug("session socket open", zap.String("session_id", id))
}

func (s sink) OnMessage(id string, ev protocol.Event) {
	if err := ws.Dispatch(id, ev, s); err != nil {
		s.e.logger.Warn("unhandled event", zap.String("session_id", id), zap.Error(err))
	}
}

func (s sink) OnError(id string, err error) {
	s.e.logger.Debug("session socket error", zap.String("session_id", id), zap.Error(err))
	if s.e.store.View(id).AwaitingResponse {
		s.e.store.SetAwaitingResponse(id, false)
		s.e.notify(id, KindFlags)
	}
}

func (s sink) OnTerminal(id string, class protocol.CloseClass) {
	s.e.logger.Warn("session sync stopped",
		zap.String("session_id", id), zap.Stringer("class", class))
	s.e.store.SetAwaitingResponse(id, false)
	s.e.notify(id, KindFlags)
	if class == protocol.CloseAuthExpired {
		s.e.showError(id, "Your session has expired. Please sign in again.")
	}
}

// ---------------------------------------------------------------------------
// ws.EventHandler
// ---------------------------------------------------------------------------

func (s sink) PlayerSuggestion(id string, ev *protocol.PlayerSuggestion) {
	e := s.e
	meta := ev.Suggestion.Metadata
	e.store.SetSuggestion(id, session.Suggestion{
		Content:       ev.Suggestion.Content,
		CharacterName: meta.CharacterName,
		MessageID:     meta.MessageID,
		Timestamp:     meta.Timestamp,
	})
	e.notify(id, KindSuggestion)

	if ev.Suggestion.Content == "" {
		return
	}
	ts := meta.Timestamp
	if ts == "" {
		ts = chat.FormatTimestamp(e.clock.Now())
	}
	e.store.AppendMessage(id, chat.Message{
		LocalID:         localID(),
		ServerMessageID: meta.MessageID,
		Text:            ev.Suggestion.Content,
		Sender:          chat.SenderUser,
		Timestamp:       ts,
		IsLocal:         true,
		CharacterName:   meta.CharacterName,
	})
	e.store.UpdateMessages(id, sortTimeline)
	e.notify(id, KindMessages)
}

func (s sink) AudioAvailable(id string, ev *protocol.AudioAvailable) {
	entry, ok := s.e.seq.OnWholePayload(id, ev.Audio)
	if ok {
		s.e.enqueue(entry)
	}
}

func (s sink) AudioChunkReady(id string, ev *protocol.AudioChunkReady) {
	entry, ok := s.e.seq.OnChunkReady(id, ev.Chunk)
	if ok {
		s.e.enqueue(entry)
	}
}

func (s sink) NarrativeChunk(id string, ev *protocol.NarrativeChunk) {
	if ev.Content != "" && s.e.store.View(id).PendingInitialNarrative {
		s.e.store.SetPendingInitialNarrative(id, false)
		s.e.notify(id, KindFlags)
	}
	s.e.streams.OnFragment(id, stream.ChannelNarrative, ev.Content, ev.IsFinal)
}

func (s sink) PlayerResponseChunk(id string, ev *protocol.PlayerResponseChunk) {
	s.e.streams.OnFragment(id, stream.ChannelResponse, ev.Content, ev.IsFinal)
	if ev.IsFinal && s.e.store.View(id).AwaitingResponse {
		s.e.store.SetAwaitingResponse(id, false)
		s.e.notify(id, KindFlags)
	}
}

func (s sink) MetadataUpdate(id string, ev *protocol.MetadataUpdate) {
	if len(ev.Metadata) == 0 {
		return
	}
	s.e.store.PatchSnapshot(id, session.Snapshot(ev.Metadata))
	s.e.notify(id, KindSnapshot)
	s.e.turnIndicator(id, ev.Metadata)
}

func (s sink) InitializationError(id string, ev *protocol.InitializationError) {
	s.e.store.SetPendingInitialNarrative(id, false)
	s.e.notify(id, KindFlags)
	msg := ev.Message
	if msg == "" {
		msg = "The campaign could not be started."
	}
	s.e.showError(id, msg)
}

func (s sink) Snapshot(id string, ev *protocol.CampaignSnapshot) {
	e := s.e
	e.store.ReplaceSnapshot(id, session.Snapshot(ev.StructuredData))
	e.notify(id, KindSnapshot)

	// A snapshot marks the end of the exchange that streamed into it.
	e.streams.EndStreams(id)

	e.needsResponse[id] = ev.NeedsResponse
	e.store.SetNeedsResume(id, session.DeriveNeedsResume(ev.NeedsResponse, e.store.Messages(id)))
	if ev.Streamed {
		e.store.SetAwaitingResponse(id, false)
	}
	e.notify(id, KindFlags)
	e.turnIndicator(id, ev.StructuredData)

	hasHistory := ev.HistoryInfo != nil && ev.HistoryInfo.HasHistory
	loaded := ev.EventType() == protocol.TypeCampaignLoaded || ev.EventType() == protocol.TypeCampaignActive
	if ev.Streamed || (loaded && hasHistory) {
		e.reload(id)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type turnInfo struct {
	ActiveCharacter string `json:"active_character"`
}

// turnIndicator shows whose turn it is when fields carry turn_info, and hides
// the indicator again after a while.
func (e *Engine) turnIndicator(id string, fields map[string]json.RawMessage) {
	raw, ok := fields["turn_info"]
	if !ok {
		return
	}
	var ti turnInfo
	if err := json.Unmarshal(raw, &ti); err != nil || ti.ActiveCharacter == "" {
		return
	}
	e.store.SetTurnIndicator(id, ti.ActiveCharacter)
	e.notify(id, KindTurn)
	e.timers.Schedule(id, timers.PurposeTurnIndicator, e.cfg.TurnIndicator, func() {
		e.store.SetTurnIndicator(id, "")
		e.notify(id, KindTurn)
	})
}

// enqueue hands an entry to the playback pump. The outcome is applied back
// on the loop.
func (e *Engine) enqueue(entry audio.Entry) {
	e.pump.Submit(entry, func(r audio.Result) {
		e.loop.Post(func() { e.enqueued(r) })
	})
}

func (e *Engine) enqueued(r audio.Result) {
	id := r.Entry.SessionID
	switch {
	case r.Err != nil:
		// Let a redelivery of the same chunk try again.
		e.seq.Retract(id, r.Entry.ID)
	case r.Accepted:
		if e.store.MarkLatestDMHasAudio(id) {
			e.notify(id, KindAudio)
		}
	}
}

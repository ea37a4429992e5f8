// Package session keeps every per-session structure addressable by session
// id. Sessions never share state, and reading a session that has no entry
// yields empty defaults.
package session

import (
	"encoding/json"
	"maps"

	"github.com/whisper/campaign-sync/internal/chat"
	"github.com/whisper/campaign-sync/internal/stream"
	"github.com/whisper/campaign-sync/internal/ws"
)

// Snapshot is the latest server-pushed state of a campaign, keyed by field.
type Snapshot map[string]json.RawMessage

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Suggestion is a dismissible server-proposed player action.
type Suggestion struct {
	Content       string
	CharacterName string
	MessageID     string
	Timestamp     string
}

// State is everything the view layer renders for one session.
type State struct {
	Messages []chat.Message
	Snapshot Snapshot

	Narrative          string
	Response           string
	NarrativeStreaming bool
	ResponseStreaming  bool

	NeedsResume             bool
	PendingInitialNarrative bool
	AwaitingResponse        bool

	Suggestion    *Suggestion
	Error         string
	TurnIndicator string

	Connection ws.ConnState
}

func (s *State) clone() State {
	out := *s
	out.Messages = chat.Clone(s.Messages)
	out.Snapshot = s.Snapshot.Clone()
	if s.Suggestion != nil {
		sug := *s.Suggestion
		out.Suggestion = &sug
	}
	return out
}

// Store holds the state of every warm session. It is not safe for concurrent
// use; it belongs to the event loop.
type Store struct {
	sessions map[string]*State
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*State)}
}

func (s *Store) get(id string) *State {
	st, ok := s.sessions[id]
	if !ok {
		st = &State{}
		s.sessions[id] = st
	}
	return st
}

// update runs fn on the session's state, creating it if needed. Empty ids
// are ignored.
func (s *Store) update(id string, fn func(*State)) {
	if id == "" {
		return
	}
	fn(s.get(id))
}

// View returns a deep copy of a session's state.
func (s *Store) View(id string) State {
	st, ok := s.sessions[id]
	if !ok {
		return State{}
	}
	return st.clone()
}

// Has reports whether the session has an entry.
func (s *Store) Has(id string) bool {
	_, ok := s.sessions[id]
	return ok
}

// Sessions lists the ids of warm sessions.
func (s *Store) Sessions() []string {
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Messages returns the session timeline. The slice must not be modified.
func (s *Store) Messages(id string) []chat.Message {
	if st, ok := s.sessions[id]; ok {
		return st.Messages
	}
	return nil
}

// UpdateMessages replaces the timeline with fn applied to a copy of it.
func (s *Store) UpdateMessages(id string, fn func([]chat.Message) []chat.Message) {
	s.update(id, func(st *State) { st.Messages = fn(chat.Clone(st.Messages)) })
}

// AppendMessage adds a message to the end of the timeline.
func (s *Store) AppendMessage(id string, m chat.Message) {
	s.update(id, func(st *State) { st.Messages = append(st.Messages, m) })
}

// ReplaceSnapshot swaps in a new snapshot wholesale.
func (s *Store) ReplaceSnapshot(id string, snap Snapshot) {
	s.update(id, func(st *State) { st.Snapshot = snap.Clone() })
}

// PatchSnapshot merges fields into the snapshot, overwriting keys that are
// present in patch and keeping the rest.
func (s *Store) PatchSnapshot(id string, patch Snapshot) {
	s.update(id, func(st *State) {
		if st.Snapshot == nil {
			st.Snapshot = make(Snapshot, len(patch))
		}
		maps.Copy(st.Snapshot, patch.Clone())
	})
}

// SetStream mirrors one streaming channel buffer.
func (s *Store) SetStream(id string, ch stream.Channel, b stream.Buffer) {
	s.update(id, func(st *State) {
		switch ch {
		case stream.ChannelNarrative:
			st.Narrative, st.NarrativeStreaming = b.Text, b.Streaming
		case stream.ChannelResponse:
			st.Response, st.ResponseStreaming = b.Text, b.Streaming
		}
	})
}

func (s *Store) SetSuggestion(id string, sug Suggestion) {
	s.update(id, func(st *State) { st.Suggestion = &sug })
}

func (s *Store) ClearSuggestion(id string) {
	s.update(id, func(st *State) { st.Suggestion = nil })
}

func (s *Store) SetError(id, msg string) {
	s.update(id, func(st *State) { st.Error = msg })
}

func (s *Store) ClearError(id string) {
	s.update(id, func(st *State) { st.Error = "" })
}

func (s *Store) SetNeedsResume(id string, v bool) {
	s.update(id, func(st *State) { st.NeedsResume = v })
}

func (s *Store) SetPendingInitialNarrative(id string, v bool) {
	s.update(id, func(st *State) { st.PendingInitialNarrative = v })
}

func (s *Store) SetAwaitingResponse(id string, v bool) {
	s.update(id, func(st *State) { st.AwaitingResponse = v })
}

func (s *Store) SetTurnIndicator(id, character string) {
	s.update(id, func(st *State) { st.TurnIndicator = character })
}

func (s *Store) SetConnection(id string, cs ws.ConnState) {
	s.update(id, func(st *State) { st.Connection = cs })
}

// MarkLatestDMHasAudio flags the most recent DM message. It reports false
// when the timeline has no DM message. The flag is never cleared.
func (s *Store) MarkLatestDMHasAudio(id string) bool {
	st, ok := s.sessions[id]
	if !ok || id == "" {
		return false
	}
	i := chat.LatestBySender(st.Messages, chat.SenderDM)
	if i < 0 {
		return false
	}
	st.Messages[i].HasAudio = true
	return true
}

// DeriveNeedsResume reports whether the player should be prompted to resume:
// the server wants a response and the last non-system message is not the
// DM's.
func DeriveNeedsResume(needsResponse bool, msgs []chat.Message) bool {
	if !needsResponse {
		return false
	}
	i := chat.LatestNonSystem(msgs)
	return i < 0 || msgs[i].Sender != chat.SenderDM
}

package engine

import "time"

// Kind names which part of a session's state changed.
type Kind string

const (
	KindMessages   Kind = "messages"
	KindSnapshot   Kind = "snapshot"
	KindStream     Kind = "stream"
	KindSuggestion Kind = "suggestion"
	KindError      Kind = "error"
	KindConnection Kind = "connection"
	KindFlags      Kind = "flags"
	KindTurn       Kind = "turn"
	KindAudio      Kind = "audio"
	KindActive     Kind = "active"
)

// Update tells renderers that a session changed. Read the new state with
// Engine.State.
type Update struct {
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	At        time.Time `json:"at"`
}

// Notifier receives every update. Notify runs on the event loop and must not
// block.
type Notifier interface {
	Notify(u Update)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Update)

func (f NotifierFunc) Notify(u Update) { f(u) }

package ws

import (
	"fmt"
	"time"
)

// Phase is the lifecycle stage of a session's connection.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseClosing
	PhaseReconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	case PhaseReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnState describes a session's connection. Backoff is only set while
// reconnecting.
type ConnState struct {
	Phase   Phase
	Backoff time.Duration
}

func (s ConnState) String() string {
	if s.Phase == PhaseReconnecting {
		return fmt.Sprintf("reconnecting(%dms)", s.Backoff.Milliseconds())
	}
	return s.Phase.String()
}

// Live reports whether a new connection attempt should be suppressed.
func (s ConnState) Live() bool {
	return s.Phase == PhaseConnecting || s.Phase == PhaseOpen
}

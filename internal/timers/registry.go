// Package timers owns every session-scoped delayed callback: reconnect
// delays, streaming flicker resets, banner auto-dismiss and turn-indicator
// auto-hide. Timers are keyed by (session, purpose) so tearing a session
// down cancels all of them in one call.
package timers

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Purpose names what a timer is for. At most one timer per purpose exists
// for a session.
type Purpose string

const (
	PurposeReconnect        Purpose = "reconnect"
	PurposeFlickerNarrative Purpose = "flicker:narrative"
	PurposeFlickerResponse  Purpose = "flicker:response"
	PurposeErrorBanner      Purpose = "banner:error"
	PurposeTurnIndicator    Purpose = "turn-indicator"
)

// Key identifies a timer.
type Key struct {
	SessionID string
	Purpose   Purpose
}

type entry struct {
	timer *clock.Timer
	token uint64
}

// Registry schedules callbacks on a clock and delivers them through post,
// which is expected to run them on the owning event loop. The registry
// itself must only be used from that loop.
type Registry struct {
	clock   clock.Clock
	post    func(func())
	entries map[Key]entry
	next    uint64
}

// NewRegistry creates a Registry. A nil clock selects the wall clock.
func NewRegistry(clk clock.Clock, post func(func())) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock:   clk,
		post:    post,
		entries: make(map[Key]entry),
	}
}

// Clock returns the clock timers are scheduled on.
func (r *Registry) Clock() clock.Clock {
	return r.clock
}

// Schedule runs fn after d, replacing any pending timer with the same key.
// It is a no-op for an empty session id.
func (r *Registry) Schedule(sessionID string, purpose Purpose, d time.Duration, fn func()) {
	if sessionID == "" {
		return
	}
	key := Key{SessionID: sessionID, Purpose: purpose}
	r.Cancel(sessionID, purpose)

	r.next++
	token := r.next
	t := r.clock.AfterFunc(d, func() {
		r.post(func() { r.fire(key, token, fn) })
	})
	r.entries[key] = entry{timer: t, token: token}
}

// fire runs fn only if the entry that scheduled it is still current. A timer
// that was cancelled or replaced after its clock callback started is ignored.
func (r *Registry) fire(key Key, token uint64, fn func()) {
	e, ok := r.entries[key]
	if !ok || e.token != token {
		return
	}
	delete(r.entries, key)
	fn()
}

// Cancel stops the timer for key if one is pending.
func (r *Registry) Cancel(sessionID string, purpose Purpose) {
	key := Key{SessionID: sessionID, Purpose: purpose}
	if e, ok := r.entries[key]; ok {
		e.timer.Stop()
		delete(r.entries, key)
	}
}

// CancelSession stops every pending timer owned by sessionID and returns how
// many were cancelled.
func (r *Registry) CancelSession(sessionID string) int {
	n := 0
	for key, e := range r.entries {
		if key.SessionID != sessionID {
			continue
		}
		e.timer.Stop()
		delete(r.entries, key)
		n++
	}
	return n
}

// CancelAll stops every pending timer.
func (r *Registry) CancelAll() {
	for key, e := range r.entries {
		e.timer.Stop()
		delete(r.entries, key)
	}
}

// Pending reports whether a timer is scheduled for key.
func (r *Registry) Pending(sessionID string, purpose Purpose) bool {
	_, ok := r.entries[Key{SessionID: sessionID, Purpose: purpose}]
	return ok
}

// Len returns the number of pending timers.
func (r *Registry) Len() int {
	return len(r.entries)
}

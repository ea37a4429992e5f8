// Package stream accumulates streamed narrative and response fragments into
// per-session text buffers.
package stream

import (
	"time"

	"github.com/whisper/campaign-sync/internal/timers"
)

// DefaultFlickerReset is how long a channel keeps its streaming flag after
// the last non-empty fragment.
const DefaultFlickerReset = time.Second

// Channel selects one of the two streamed text buffers of a session.
type Channel string

const (
	ChannelNarrative Channel = "narrative"
	ChannelResponse  Channel = "response"
)

func (c Channel) purpose() timers.Purpose {
	if c == ChannelResponse {
		return timers.PurposeFlickerResponse
	}
	return timers.PurposeFlickerNarrative
}

// Buffer is the accumulated text of one channel.
type Buffer struct {
	Text      string
	Streaming bool
}

// ChangeFunc is called after a channel buffer changed.
type ChangeFunc func(sessionID string, ch Channel, b Buffer)

type streams struct {
	narrative Buffer
	response  Buffer
	epoch     uint64
}

func (s *streams) buf(ch Channel) *Buffer {
	if ch == ChannelResponse {
		return &s.response
	}
	return &s.narrative
}

// Aggregator owns the streaming buffers of every session. It must only be
// used from the event loop that runs the timer registry's callbacks.
type Aggregator struct {
	timers   *timers.Registry
	delay    time.Duration
	onChange ChangeFunc
	sessions map[string]*streams
}

// New creates an Aggregator. A non-positive delay selects
// DefaultFlickerReset; onChange may be nil.
func New(reg *timers.Registry, delay time.Duration, onChange ChangeFunc) *Aggregator {
	if delay <= 0 {
		delay = DefaultFlickerReset
	}
	if onChange == nil {
		onChange = func(string, Channel, Buffer) {}
	}
	return &Aggregator{
		timers:   reg,
		delay:    delay,
		onChange: onChange,
		sessions: make(map[string]*streams),
	}
}

func (a *Aggregator) get(sessionID string) *streams {
	s, ok := a.sessions[sessionID]
	if !ok {
		s = &streams{}
		a.sessions[sessionID] = s
	}
	return s
}

// OnFragment applies one fragment and reports whether the buffer changed.
// While the channel is streaming the text is appended; otherwise it starts a
// new stream and replaces the buffer.
func (a *Aggregator) OnFragment(sessionID string, ch Channel, text string, isFinal bool) bool {
	if sessionID == "" {
		return false
	}
	s := a.get(sessionID)
	b := s.buf(ch)

	if text == "" {
		if !isFinal || !b.Streaming {
			return false
		}
		b.Streaming = false
		a.timers.Cancel(sessionID, ch.purpose())
		a.onChange(sessionID, ch, *b)
		return true
	}

	if b.Streaming {
		b.Text += text
	} else {
		b.Text = text
		s.epoch++
	}
	b.Streaming = !isFinal

	if b.Streaming {
		a.timers.Schedule(sessionID, ch.purpose(), a.delay, func() { a.expire(sessionID, ch) })
	} else {
		a.timers.Cancel(sessionID, ch.purpose())
	}
	a.onChange(sessionID, ch, *b)
	return true
}

// expire clears the streaming flag after the flicker window.
func (a *Aggregator) expire(sessionID string, ch Channel) {
	s, ok := a.sessions[sessionID]
	if !ok {
		return
	}
	b := s.buf(ch)
	if !b.Streaming {
		return
	}
	b.Streaming = false
	a.onChange(sessionID, ch, *b)
}

// Buffer returns a copy of the channel buffer. Unknown sessions read as
// empty.
func (a *Aggregator) Buffer(sessionID string, ch Channel) Buffer {
	s, ok := a.sessions[sessionID]
	if !ok {
		return Buffer{}
	}
	return *s.buf(ch)
}

// EndStreams clears both streaming flags of a session so the next fragment
// on either channel starts a new stream. Text is kept.
func (a *Aggregator) EndStreams(sessionID string) {
	s, ok := a.sessions[sessionID]
	if !ok {
		return
	}
	for _, ch := range []Channel{ChannelNarrative, ChannelResponse} {
		a.timers.Cancel(sessionID, ch.purpose())
		b := s.buf(ch)
		if b.Streaming {
			b.Streaming = false
			a.onChange(sessionID, ch, *b)
		}
	}
}

// Epoch returns a counter that advances each time a new stream begins in the
// session.
func (a *Aggregator) Epoch(sessionID string) uint64 {
	if s, ok := a.sessions[sessionID]; ok {
		return s.epoch
	}
	return 0
}

// Discard empties both buffers once confirmed history has replaced them. It
// does nothing and returns false if a new stream began after epoch was read.
func (a *Aggregator) Discard(sessionID string, epoch uint64) bool {
	s, ok := a.sessions[sessionID]
	if !ok || s.epoch != epoch {
		return false
	}
	for _, ch := range []Channel{ChannelNarrative, ChannelResponse} {
		a.timers.Cancel(sessionID, ch.purpose())
		b := s.buf(ch)
		if *b != (Buffer{}) {
			*b = Buffer{}
			a.onChange(sessionID, ch, *b)
		}
	}
	return true
}

// Forget drops a session's buffers and flicker timers.
func (a *Aggregator) Forget(sessionID string) {
	a.timers.Cancel(sessionID, ChannelNarrative.purpose())
	a.timers.Cancel(sessionID, ChannelResponse.purpose())
	delete(a.sessions, sessionID)
}

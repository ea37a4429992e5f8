package stream

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/whisper/campaign-sync/internal/loop"
	"github.com/whisper/campaign-sync/internal/timers"
)

type harness struct {
	loop    *loop.Loop
	clock   *clock.Mock
	agg     *Aggregator
	changes []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := loop.New(0)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(cancel)

	h := &harness{loop: l, clock: clock.NewMock()}
	reg := timers.NewRegistry(h.clock, l.Post)
	h.agg = New(reg, time.Second, func(sessionID string, ch Channel, b Buffer) {
		h.changes = append(h.changes, sessionID+"/"+string(ch))
	})
	return h
}

func (h *harness) on(t *testing.T, fn func()) {
	t.Helper()
	if err := h.loop.Do(context.Background(), fn); err != nil {
		t.Fatalf("loop.Do: %v", err)
	}
}

func (h *harness) eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		h.on(t, func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestFragmentsAppendWhileStreaming(t *testing.T) {
	h := newHarness(t)

	h.on(t, func() {
		h.agg.OnFragment("a", ChannelNarrative, "Hello", false)
		h.agg.OnFragment("a", ChannelNarrative, " world", false)

		b := h.agg.Buffer("a", ChannelNarrative)
		if b.Text != "Hello world" {
			t.Errorf("expected %q, got %q", "Hello world", b.Text)
		}
		if !b.Streaming {
			t.Error("expected channel to be streaming")
		}
	})
}

func TestFragmentReplacesAfterStreamsEnd(t *testing.T) {
	h := newHarness(t)

	h.on(t, func() {
		h.agg.OnFragment("a", ChannelNarrative, "Hello", false)
		h.agg.EndStreams("a")
		h.agg.OnFragment("a", ChannelNarrative, " world", false)

		if got := h.agg.Buffer("a", ChannelNarrative).Text; got != " world" {
			t.Errorf("expected new stream to replace buffer, got %q", got)
		}
	})
}

func TestFinalFragmentEndsStream(t *testing.T) {
	h := newHarness(t)

	h.on(t, func() {
		h.agg.OnFragment("a", ChannelResponse, "You ", false)
		h.agg.OnFragment("a", ChannelResponse, "hit.", true)

		b := h.agg.Buffer("a", ChannelResponse)
		if b.Text != "You hit." || b.Streaming {
			t.Errorf("unexpected buffer after final fragment: %+v", b)
		}

		h.agg.OnFragment("a", ChannelResponse, "Again", false)
		if got := h.agg.Buffer("a", ChannelResponse).Text; got != "Again" {
			t.Errorf("expected replace after final, got %q", got)
		}
	})
}

func TestEmptyFinalFragmentClearsFlagOnly(t *testing.T) {
	h := newHarness(t)

	h.on(t, func() {
		h.agg.OnFragment("a", ChannelNarrative, "Dusk", false)
		if !h.agg.OnFragment("a", ChannelNarrative, "", true) {
			t.Error("expected empty final fragment to report a change")
		}
		b := h.agg.Buffer("a", ChannelNarrative)
		if b.Text != "Dusk" || b.Streaming {
			t.Errorf("unexpected buffer %+v", b)
		}
		if h.agg.OnFragment("a", ChannelNarrative, "", false) {
			t.Error("expected empty non-final fragment to be ignored")
		}
	})
}

func TestFlickerResetClearsStreaming(t *testing.T) {
	h := newHarness(t)

	h.on(t, func() { h.agg.OnFragment("a", ChannelNarrative, "The", false) })
	h.clock.Add(500 * time.Millisecond)
	h.on(t, func() { h.agg.OnFragment("a", ChannelNarrative, " wind", false) })

	// The second fragment pushed the deadline out.
	h.clock.Add(700 * time.Millisecond)
	h.on(t, func() {
		if !h.agg.Buffer("a", ChannelNarrative).Streaming {
			t.Error("flicker reset fired before quiescence window elapsed")
		}
	})

	h.clock.Add(400 * time.Millisecond)
	h.eventually(t, func() bool { return !h.agg.Buffer("a", ChannelNarrative).Streaming })
	h.on(t, func() {
		if got := h.agg.Buffer("a", ChannelNarrative).Text; got != "The wind" {
			t.Errorf("flicker reset must keep text, got %q", got)
		}
	})
}

func TestSessionsAreIsolated(t *testing.T) {
	h := newHarness(t)

	h.on(t, func() {
		h.agg.OnFragment("a", ChannelNarrative, "for A", false)
		h.agg.OnFragment("b", ChannelNarrative, "for B", false)
		h.agg.EndStreams("b")
		h.agg.OnFragment("a", ChannelNarrative, " again", false)

		if got := h.agg.Buffer("a", ChannelNarrative).Text; got != "for A again" {
			t.Errorf("session a buffer = %q", got)
		}
		if got := h.agg.Buffer("b", ChannelNarrative).Text; got != "for B" {
			t.Errorf("session b buffer = %q", got)
		}
	})
}

func TestDiscardHonoursEpoch(t *testing.T) {
	h := newHarness(t)

	h.on(t, func() {
		h.agg.OnFragment("a", ChannelNarrative, "old", true)
		epoch := h.agg.Epoch("a")

		h.agg.OnFragment("a", ChannelNarrative, "new stream", false)
		if h.agg.Discard("a", epoch) {
			t.Error("discard should be refused after a new stream began")
		}
		if got := h.agg.Buffer("a", ChannelNarrative).Text; got != "new stream" {
			t.Errorf("buffer clobbered: %q", got)
		}

		if !h.agg.Discard("a", h.agg.Epoch("a")) {
			t.Error("expected discard with current epoch to succeed")
		}
		if b := h.agg.Buffer("a", ChannelNarrative); b != (Buffer{}) {
			t.Errorf("expected empty buffer, got %+v", b)
		}
	})
}

func TestForgetCancelsFlicker(t *testing.T) {
	h := newHarness(t)

	h.on(t, func() {
		h.agg.OnFragment("a", ChannelNarrative, "x", false)
		h.agg.Forget("a")
		if h.agg.timers.Pending("a", timers.PurposeFlickerNarrative) {
			t.Error("expected flicker timer cancelled")
		}
		if b := h.agg.Buffer("a", ChannelNarrative); b != (Buffer{}) {
			t.Errorf("expected forgotten session to read empty, got %+v", b)
		}
	})
}

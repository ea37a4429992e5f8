package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/whisper/campaign-sync/internal/audio"
	"github.com/whisper/campaign-sync/internal/chat"
	"github.com/whisper/campaign-sync/internal/session"
	"github.com/whisper/campaign-sync/internal/timers"
	"github.com/whisper/campaign-sync/internal/ws"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
}

func (c *fakeConn) ReadText() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Ping() error { return nil }

func (c *fakeConn) Close(int, string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns map[string][]*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, url string) (ws.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{frames: make(chan []byte, 16), done: make(chan struct{})}
	d.conns[url] = append(d.conns[url], c)
	return c, nil
}

// latest returns the newest socket dialed for a session.
func (d *fakeDialer) latest(id string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs := d.conns[ws.SocketURL(testSocketURL, id)]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

type historyCall struct {
	sessionID string
	reply     chan []chat.Message
}

// fakeHistory hands every fetch to the test, which answers it.
type fakeHistory struct {
	calls chan historyCall
}

func (h *fakeHistory) Fetch(ctx context.Context, id string) ([]chat.Message, error) {
	call := historyCall{sessionID: id, reply: make(chan []chat.Message, 1)}
	select {
	case h.calls <- call:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case msgs := <-call.reply:
		return msgs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

const testSocketURL = "ws://campaigns.test/ws"

type harness struct {
	e       *Engine
	clock   *clock.Mock
	dialer  *fakeDialer
	history *fakeHistory

	mu     sync.Mutex
	played []audio.Entry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   clock.NewMock(),
		dialer:  &fakeDialer{conns: make(map[string][]*fakeConn)},
		history: &fakeHistory{calls: make(chan historyCall, 8)},
	}
	queue := audio.NewOrderedQueue(func(e audio.Entry) {
		h.mu.Lock()
		h.played = append(h.played, e)
		h.mu.Unlock()
	})

	sock := ws.DefaultConfig()
	sock.URL = testSocketURL
	sock.Heartbeat.Interval = 0

	h.e = New(DefaultConfig(), Deps{
		Socket:  sock,
		Dialer:  h.dialer,
		History: h.history,
		Queue:   queue,
		Clock:   h.clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) on(t *testing.T, fn func()) {
	t.Helper()
	if err := h.e.loop.Do(context.Background(), fn); err != nil {
		t.Fatalf("loop.Do: %v", err)
	}
}

func (h *harness) eventually(t *testing.T, what string, cond func() bool) {
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
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) state(t *testing.T, id string) session.State {
	t.Helper()
	st, err := h.e.State(context.Background(), id)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return st
}

// selectOpen selects id and waits for its socket to open.
func (h *harness) selectOpen(t *testing.T, id string) *fakeConn {
	t.Helper()
	if err := h.e.SelectSession(context.Background(), id, SelectOptions{}); err != nil {
		t.Fatalf("select: %v", err)
	}
	h.eventually(t, "socket open", func() bool {
		return h.e.conns.State(id).Phase == ws.PhaseOpen
	})
	return h.dialer.latest(id)
}

// push delivers a server frame and waits until the loop has handled it.
func (h *harness) push(t *testing.T, c *fakeConn, frame string, applied func() bool) {
	t.Helper()
	c.frames <- []byte(frame)
	h.eventually(t, "frame applied", applied)
}

func (h *harness) playedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, len(h.played))
	for i, e := range h.played {
		ids[i] = e.ID
	}
	return ids
}

func (h *harness) nextFetch(t *testing.T) historyCall {
	t.Helper()
	select {
	case call := <-h.history.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("expected a history fetch")
		return historyCall{}
	}
}

// ---------------------------------------------------------------------------
// Test: Streaming and session switching
// ---------------------------------------------------------------------------

func TestSessionSwitchMidStream(t *testing.T) {
	h := newHarness(t)
	a := h.selectOpen(t, "camp-a")

	h.push(t, a, `{"type":"narrative_chunk","content":"The gates open"}`, func() bool {
		return h.e.store.View("camp-a").NarrativeStreaming
	})

	b := h.selectOpen(t, "camp-b")
	if b == a {
		t.Fatal("expected a new socket for camp-b")
	}
	h.eventually(t, "old socket closed", a.closed)

	st := h.state(t, "camp-a")
	if st.NarrativeStreaming {
		t.Error("expected previous session's stream ended")
	}
	if st.Narrative != "The gates open" {
		t.Errorf("expected previous session's text kept, got %q", st.Narrative)
	}
	h.on(t, func() {
		if h.e.timers.Pending("camp-a", timers.PurposeFlickerNarrative) {
			t.Error("expected previous session's timers cancelled")
		}
		if h.e.conns.Live() != 1 {
			t.Errorf("expected exactly one live socket, got %d", h.e.conns.Live())
		}
	})

	// A late fragment from the old socket must not reach any state.
	a.frames <- []byte(`{"type":"narrative_chunk","content":" late"}`)
	time.Sleep(10 * time.Millisecond)
	if got := h.state(t, "camp-a").Narrative; got != "The gates open" {
		t.Fatalf("late fragment applied to detached session: %q", got)
	}
}

func TestFragmentsAppendThenReplaceAfterSnapshot(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp")

	h.push(t, c, `{"type":"narrative_chunk","content":"Rain "}`, func() bool {
		return h.e.store.View("camp").Narrative == "Rain "
	})
	h.push(t, c, `{"type":"narrative_chunk","content":"falls."}`, func() bool {
		return h.e.store.View("camp").Narrative == "Rain falls."
	})
	h.push(t, c, `{"type":"campaign_updated","structured_data":{"scene":"\"tavern\""},"needs_response":false}`, func() bool {
		return !h.e.store.View("camp").NarrativeStreaming
	})
	h.push(t, c, `{"type":"narrative_chunk","content":"Morning."}`, func() bool {
		return h.e.store.View("camp").Narrative == "Morning."
	})
}

func TestFlickerResetClearsStreaming(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp")

	h.push(t, c, `{"type":"player_response_chunk","content":"You"}`, func() bool {
		return h.e.store.View("camp").ResponseStreaming
	})
	h.clock.Add(time.Second)
	h.eventually(t, "streaming flag cleared", func() bool {
		return !h.e.store.View("camp").ResponseStreaming
	})
	if got := h.state(t, "camp").Response; got != "You" {
		t.Fatalf("expected text kept after flicker reset, got %q", got)
	}
}

func TestEventRoutedByCampaignID(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp-a")

	h.push(t, c, `{"type":"metadata_update","campaign_id":"camp-b","metadata":{"weather":"\"storm\""}}`, func() bool {
		return h.e.store.Has("camp-b")
	})
	if _, ok := h.state(t, "camp-a").Snapshot["weather"]; ok {
		t.Error("metadata for camp-b applied to camp-a")
	}
	if string(h.state(t, "camp-b").Snapshot["weather"]) != `"storm"` {
		t.Errorf("unexpected camp-b snapshot %v", h.state(t, "camp-b").Snapshot)
	}
}

// ---------------------------------------------------------------------------
// Test: History reload
// ---------------------------------------------------------------------------

func TestStreamedSnapshotReloadsHistory(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp")

	h.push(t, c, `{"type":"narrative_chunk","content":"The dragon wakes."}`, func() bool {
		return h.e.store.View("camp").Narrative != ""
	})
	c.frames <- []byte(`{"type":"campaign_updated","structured_data":{},"needs_response":true,"streamed":true}`)

	call := h.nextFetch(t)
	if call.sessionID != "camp" {
		t.Fatalf("unexpected fetch for %q", call.sessionID)
	}
	call.reply <- []chat.Message{
		{ServerMessageID: "m1", Text: "The dragon wakes.", Sender: chat.SenderDM, Timestamp: "2024-05-01T10:00:00Z"},
	}

	h.eventually(t, "history merged", func() bool { return len(h.e.store.Messages("camp")) == 1 })
	st := h.state(t, "camp")
	if st.Narrative != "" || st.NarrativeStreaming {
		t.Errorf("expected buffers discarded after reload, got %q streaming=%v", st.Narrative, st.NarrativeStreaming)
	}
	if st.NeedsResume {
		t.Error("expected no resume prompt when the DM spoke last")
	}
}

func TestReloadKeepsBuffersWhenNewStreamStarted(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp")

	c.frames <- []byte(`{"type":"campaign_updated","structured_data":{},"streamed":true}`)
	call := h.nextFetch(t)

	h.push(t, c, `{"type":"narrative_chunk","content":"Next scene"}`, func() bool {
		return h.e.store.View("camp").Narrative == "Next scene"
	})
	call.reply <- []chat.Message{{ServerMessageID: "m1", Text: "old", Sender: chat.SenderDM, Timestamp: "2024-05-01T10:00:00Z"}}

	h.eventually(t, "history merged", func() bool { return len(h.e.store.Messages("camp")) == 1 })
	if got := h.state(t, "camp").Narrative; got != "Next scene" {
		t.Fatalf("reload discarded a stream that began after it started: %q", got)
	}
}

func TestStaleHistoryReloadIgnoredAfterSwitch(t *testing.T) {
	h := newHarness(t)
	a := h.selectOpen(t, "camp-a")

	a.frames <- []byte(`{"type":"campaign_updated","structured_data":{},"streamed":true}`)
	call := h.nextFetch(t)

	h.selectOpen(t, "camp-b")
	call.reply <- []chat.Message{{ServerMessageID: "m1", Text: "stale", Sender: chat.SenderDM, Timestamp: "2024-05-01T10:00:00Z"}}

	time.Sleep(20 * time.Millisecond)
	if n := len(h.state(t, "camp-a").Messages); n != 0 {
		t.Fatalf("stale reload applied to inactive session: %d messages", n)
	}
}

func TestOnlyNewestReloadApplies(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp")

	c.frames <- []byte(`{"type":"campaign_updated","structured_data":{},"streamed":true}`)
	first := h.nextFetch(t)
	c.frames <- []byte(`{"type":"campaign_updated","structured_data":{},"streamed":true}`)
	second := h.nextFetch(t)

	second.reply <- []chat.Message{{ServerMessageID: "new", Text: "new", Sender: chat.SenderDM, Timestamp: "2024-05-01T10:00:02Z"}}
	h.eventually(t, "newest reload", func() bool { return len(h.e.store.Messages("camp")) == 1 })

	first.reply <- []chat.Message{{ServerMessageID: "old", Text: "old", Sender: chat.SenderDM, Timestamp: "2024-05-01T10:00:01Z"}}
	time.Sleep(20 * time.Millisecond)

	msgs := h.state(t, "camp").Messages
	if len(msgs) != 1 || msgs[0].ServerMessageID != "new" {
		t.Fatalf("older reload overwrote newer one: %+v", msgs)
	}
}

func TestLoadedSnapshotWithHistoryReloads(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp")

	c.frames <- []byte(`{"type":"campaign_loaded","structured_data":{},"history_info":{"has_history":true,"message_count":2}}`)
	call := h.nextFetch(t)
	call.reply <- nil
}

// ---------------------------------------------------------------------------
// Test: Audio
// ---------------------------------------------------------------------------

func TestDuplicateAudioChunkPlaysOnce(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp")

	h.on(t, func() {
		h.e.store.AppendMessage("camp", chat.Message{LocalID: "l1", Text: "A voice echoes", Sender: chat.SenderDM, Timestamp: "2024-05-01T10:00:00Z"})
	})

	frame := `{"type":"audio_chunk_ready","chunk":{"id":"c-1","url":"https://cdn/1.mp3","sequence_number":0,"playback_group":"g"}}`
	c.frames <- []byte(frame)
	c.frames <- []byte(frame)

	h.eventually(t, "has-audio flag", func() bool {
		msgs := h.e.store.Messages("camp")
		return len(msgs) == 1 && msgs[0].HasAudio
	})
	time.Sleep(10 * time.Millisecond)
	if ids := h.playedIDs(); len(ids) != 1 || ids[0] != "c-1" {
		t.Fatalf("expected one playback of c-1, got %v", ids)
	}
}

func TestAudioChunksPlayInSequence(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp")

	c.frames <- []byte(`{"type":"audio_chunk_ready","chunk":{"id":"c-2","url":"u2","sequence_number":1,"playback_group":"g"}}`)
	c.frames <- []byte(`{"type":"audio_chunk_ready","chunk":{"id":"c-1","url":"u1","sequence_number":0,"playback_group":"g"}}`)
	c.frames <- []byte(`{"type":"audio_chunk_ready","chunk":{"id":"c-x","playback_group":"g"}}`)

	h.eventually(t, "both played", func() bool { return len(h.playedIDs()) == 2 })
	if ids := h.playedIDs(); ids[0] != "c-1" || ids[1] != "c-2" {
		t.Fatalf("unexpected playback order %v", ids)
	}
}

func TestWholeAudioPayloadPlays(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp")

	c.frames <- []byte(`{"type":"audio_available","audio":{"id":"a-1","audio_url":"https://cdn/a.mp3"}}`)
	h.eventually(t, "played", func() bool { return len(h.playedIDs()) == 1 })
}

// ---------------------------------------------------------------------------
// Test: User actions and flags
// ---------------------------------------------------------------------------

func TestSubmitMessageSendsOptimisticMessage(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp")

	id, err := h.e.SubmitMessage(context.Background(), "  I draw my sword  ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	st := h.state(t, "camp")
	if len(st.Messages) != 1 || !st.Messages[0].IsLocal || st.Messages[0].LocalID != id {
		t.Fatalf("expected one local message, got %+v", st.Messages)
	}
	if st.Messages[0].Text != "I draw my sword" {
		t.Errorf("expected trimmed text, got %q", st.Messages[0].Text)
	}
	if !st.AwaitingResponse {
		t.Error("expected awaiting response")
	}

	h.eventually(t, "frame sent", func() bool { return len(c.sent()) == 1 })
	var frame map[string]string
	if err := json.Unmarshal(c.sent()[0], &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame["type"] != "player_message" || frame["local_id"] != id || frame["campaign_id"] != "camp" {
		t.Fatalf("unexpected frame %v", frame)
	}

	h.push(t, c, `{"type":"player_response_chunk","content":"Steel rings.","is_final":true}`, func() bool {
		return !h.e.store.View("camp").AwaitingResponse
	})
}

func TestDroppedSocketClearsAwaitingResponse(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp")

	if _, err := h.e.SubmitMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !h.state(t, "camp").AwaitingResponse {
		t.Fatal("expected awaiting response")
	}

	// The read side ends with io.EOF and no close frame.
	_ = c.Close(0, "")
	h.eventually(t, "reconnecting", func() bool {
		return h.e.conns.State("camp").Phase == ws.PhaseReconnecting
	})
	if st := h.state(t, "camp"); st.AwaitingResponse {
		t.Fatalf("expected awaiting response cleared after drop, got %+v", st)
	}
}

func TestSubmitMessageRejectsEmpty(t *testing.T) {
	h := newHarness(t)
	h.selectOpen(t, "camp")

	if _, err := h.e.SubmitMessage(context.Background(), "   "); !errors.Is(err, chat.ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestSubmitWithoutSessionFails(t *testing.T) {
	h := newHarness(t)
	if _, err := h.e.SubmitMessage(context.Background(), "hello"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestSendFailureRaisesBannerThatAutoDismisses(t *testing.T) {
	h := newHarness(t)
	if err := h.e.SelectSession(context.Background(), "camp", SelectOptions{}); err != nil {
		t.Fatalf("select: %v", err)
	}
	h.on(t, func() { h.e.conns.Disconnect("camp") })

	if _, err := h.e.SubmitMessage(context.Background(), "hello"); !errors.Is(err, ws.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	st := h.state(t, "camp")
	if st.Error == "" || st.AwaitingResponse {
		t.Fatalf("expected error banner and no pending response, got %+v", st)
	}

	h.clock.Add(DefaultConfig().ErrorTimeout)
	h.eventually(t, "banner dismissed", func() bool { return h.e.store.View("camp").Error == "" })
}

func TestInitializationErrorClearsPending(t *testing.T) {
	h := newHarness(t)
	if err := h.e.SelectSession(context.Background(), "camp", SelectOptions{AwaitInitialNarrative: true}); err != nil {
		t.Fatalf("select: %v", err)
	}
	if !h.state(t, "camp").PendingInitialNarrative {
		t.Fatal("expected pending initial narrative")
	}
	h.eventually(t, "open", func() bool { return h.e.conns.State("camp").Phase == ws.PhaseOpen })
	c := h.dialer.latest("camp")

	h.push(t, c, `{"type":"initialization_error","error":"world generation failed"}`, func() bool {
		return !h.e.store.View("camp").PendingInitialNarrative
	})
	if got := h.state(t, "camp").Error; got != "world generation failed" {
		t.Errorf("unexpected error banner %q", got)
	}

	if err := h.e.DismissError(context.Background()); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if got := h.state(t, "camp").Error; got != "" {
		t.Errorf("expected banner dismissed, got %q", got)
	}
}

func TestPlayerSuggestionStoredAndDismissed(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp")

	h.push(t, c, `{"type":"player_suggestion","suggestion":{"content":"Search the altar","metadata":{"character_name":"Mira","message_id":"m-9","timestamp":"2024-05-01T10:00:00Z"}}}`, func() bool {
		return h.e.store.View("camp").Suggestion != nil
	})

	st := h.state(t, "camp")
	if st.Suggestion.Content != "Search the altar" || st.Suggestion.CharacterName != "Mira" {
		t.Errorf("unexpected suggestion %+v", st.Suggestion)
	}
	if len(st.Messages) != 1 || !st.Messages[0].IsLocal || st.Messages[0].Sender != chat.SenderUser {
		t.Errorf("expected optimistic user message, got %+v", st.Messages)
	}

	if err := h.e.DismissSuggestion(context.Background()); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if h.state(t, "camp").Suggestion != nil {
		t.Error("expected suggestion cleared")
	}
}

func TestTurnIndicatorAutoHides(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp")

	h.push(t, c, `{"type":"campaign_active","structured_data":{"turn_info":{"active_character":"Mira"}}}`, func() bool {
		return h.e.store.View("camp").TurnIndicator == "Mira"
	})
	h.clock.Add(DefaultConfig().TurnIndicator)
	h.eventually(t, "indicator hidden", func() bool { return h.e.store.View("camp").TurnIndicator == "" })
}

func TestNeedsResumeFollowsSnapshot(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp")

	h.push(t, c, `{"type":"campaign_updated","structured_data":{},"needs_response":true}`, func() bool {
		return h.e.store.View("camp").NeedsResume
	})
	h.on(t, func() {
		h.e.store.AppendMessage("camp", chat.Message{LocalID: "d", Sender: chat.SenderDM, Timestamp: "2024-05-01T10:00:00Z"})
	})
	h.push(t, c, `{"type":"campaign_updated","structured_data":{},"needs_response":true}`, func() bool {
		return !h.e.store.View("camp").NeedsResume
	})
}

func TestMalformedFrameIgnored(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp")

	c.frames <- []byte(`{"type":`)
	h.push(t, c, `{"type":"narrative_chunk","content":"still here"}`, func() bool {
		return h.e.store.View("camp").Narrative == "still here"
	})
}

func TestDeselectKeepsWarmState(t *testing.T) {
	h := newHarness(t)
	c := h.selectOpen(t, "camp")

	h.push(t, c, `{"type":"metadata_update","metadata":{"hp":"10"}}`, func() bool {
		return h.e.store.View("camp").Snapshot != nil
	})
	if err := h.e.Deselect(context.Background()); err != nil {
		t.Fatalf("deselect: %v", err)
	}

	active, _ := h.e.Active(context.Background())
	if active != "" {
		t.Errorf("expected no active session, got %q", active)
	}
	if string(h.state(t, "camp").Snapshot["hp"]) != "10" {
		t.Error("expected warm state kept after deselect")
	}
	h.eventually(t, "socket closed", c.closed)
}

func TestUpdatesAreDelivered(t *testing.T) {
	h := newHarness(t)
	h.selectOpen(t, "camp")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-h.e.Updates():
			if u.SessionID == "camp" && u.Kind == KindActive {
				return
			}
		case <-deadline:
			t.Fatal("expected an active-session update")
		}
	}
}

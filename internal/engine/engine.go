// Package engine ties the campaign sync components together. One event loop
// owns all session state; socket I/O, history fetches, cache access and the
// playback queue run on other goroutines and post their results back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/whisper/campaign-sync/internal/audio"
	"github.com/whisper/campaign-sync/internal/auth"
	"github.com/whisper/campaign-sync/internal/chat"
	"github.com/whisper/campaign-sync/internal/history"
	"github.com/whisper/campaign-sync/internal/loop"
	"github.com/whisper/campaign-sync/internal/protocol"
	"github.com/whisper/campaign-sync/internal/session"
	"github.com/whisper/campaign-sync/internal/stream"
	"github.com/whisper/campaign-sync/internal/timers"
	"github.com/whisper/campaign-sync/internal/ws"
)

// ErrNoActiveSession is returned by operations that need a selected session.
var ErrNoActiveSession = errors.New("engine: no active session")

// Config holds the engine's timing parameters.
type Config struct {
	FlickerReset   time.Duration // streaming flag reset after the last fragment
	ErrorTimeout   time.Duration // error banner auto-dismiss
	TurnIndicator  time.Duration // turn indicator auto-hide
	HistoryTimeout time.Duration // bound on one history fetch
	UpdateBuffer   int           // capacity of the Updates channel
	PumpBuffer     int           // audio entries waiting for the playback queue
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		FlickerReset:   stream.DefaultFlickerReset,
		ErrorTimeout:   8 * time.Second,
		TurnIndicator:  5 * time.Second,
		HistoryTimeout: 15 * time.Second,
		UpdateBuffer:   256,
		PumpBuffer:     64,
	}
}

// Cache persists warm session state across restarts.
type Cache interface {
	Save(ctx context.Context, sessionID string, st session.State) error
	Load(ctx context.Context, sessionID string) (*session.Cached, error)
}

// Deps are the engine's collaborators. Dialer and History are required; the
// rest may be left nil.
type Deps struct {
	Socket   ws.Config
	Dialer   ws.Dialer
	Creds    auth.Source
	History  history.Fetcher
	Queue    audio.PlaybackQueue
	Cache    Cache
	Notifier Notifier
	Clock    clock.Clock
	Logger   *zap.Logger
}

// SelectOptions tune SelectSession.
type SelectOptions struct {
	// AwaitInitialNarrative marks the session as waiting for its opening
	// narrative, for example right after the campaign was created.
	AwaitInitialNarrative bool
}

// Engine is the campaign sync client core.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock

	loop    *loop.Loop
	timers  *timers.Registry
	store   *session.Store
	conns   *ws.Manager
	streams *stream.Aggregator
	seq     *audio.Sequencer
	pump    *audio.Pump
	history history.Fetcher
	cache   Cache

	notifier Notifier
	updates  chan Update

	ctx    context.Context
	cancel context.CancelFunc

	// Loop-owned.
	active        string
	reloads       map[string]uint64
	needsResponse map[string]bool
}

// New creates an Engine. Call Run to start it.
func New(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.ErrorTimeout <= 0 {
		cfg.ErrorTimeout = def.ErrorTimeout
	}
	if cfg.TurnIndicator <= 0 {
		cfg.TurnIndicator = def.TurnIndicator
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = def.HistoryTimeout
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = def.UpdateBuffer
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	queue := deps.Queue
	if queue == nil {
		oq := audio.NewOrderedQueue(nil)
		oq.Clock = clk
		queue = oq
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:           cfg,
		logger:        logger,
		clock:         clk,
		loop:          loop.New(0),
		store:         session.NewStore(),
		seq:           audio.NewSequencer(clk, logger),
		pump:          audio.NewPump(queue, cfg.PumpBuffer, logger),
		history:       deps.History,
		cache:         deps.Cache,
		notifier:      deps.Notifier,
		updates:       make(chan Update, cfg.UpdateBuffer),
		ctx:           ctx,
		cancel:        cancel,
		reloads:       make(map[string]uint64),
		needsResponse: make(map[string]bool),
	}
	e.timers = timers.NewRegistry(clk, e.loop.Post)
	e.streams = stream.New(e.timers, cfg.FlickerReset, e.streamChanged)
	e.conns = ws.NewManager(deps.Socket, deps.Dialer, deps.Creds, e.timers, e.loop.Post, sink{e}, logger)
	return e
}

// Run processes events until ctx is cancelled, then closes every socket.
func (e *Engine) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-e.ctx.Done():
		}
		e.cancel()
	}()
	go e.pump.Run(e.ctx)

	e.loop.Run(e.ctx)

	// The loop has stopped; nothing else touches its state now.
	e.conns.Close()
	e.timers.CancelAll()
	close(e.updates)
	e.logger.Info("engine stopped")
	return ctx.Err()
}

// Stop ends Run.
func (e *Engine) Stop() {
	e.cancel()
}

// Updates returns the channel of change notifications. Updates are dropped
// when the channel is full. It is closed when Run returns.
func (e *Engine) Updates() <-chan Update {
	return e.updates
}

// SelectSession makes id the active session. The previous session's socket
// is closed and its timers are cancelled before the new socket is opened.
// Other sessions keep their stored state.
func (e *Engine) SelectSession(ctx context.Context, id string, opts SelectOptions) error {
	if id == "" {
		return ErrNoActiveSession
	}
	return e.loop.Do(ctx, func() {
		if id == e.active {
			e.conns.Connect(id)
			return
		}
		if e.active != "" {
			e.teardown(e.active)
		}
		cold := len(e.store.Messages(id)) == 0 && e.store.View(id).Snapshot == nil
		e.active = id
		e.store.SetPendingInitialNarrative(id, opts.AwaitInitialNarrative)
		e.notify(id, KindActive)
		e.conns.Connect(id)
		if cold {
			e.restore(id)
		}
		e.logger.Info("session selected", zap.String("session_id", id))
	})
}

// Deselect closes the active session's socket.
func (e *Engine) Deselect(ctx context.Context) error {
	return e.loop.Do(ctx, func() {
		if e.active == "" {
			return
		}
		prev := e.active
		e.teardown(prev)
		e.active = ""
		e.notify(prev, KindActive)
	})
}

// teardown detaches a session that stops being active. Its state stays warm.
func (e *Engine) teardown(id string) {
	e.conns.Disconnect(id)
	e.timers.CancelSession(id)
	e.streams.EndStreams(id)
	e.seq.Forget(id)
	// Invalidate any history reload still in flight.
	e.reloads[id]++
	e.store.SetAwaitingResponse(id, false)
	e.save(id)
}

// SubmitMessage validates text, appends it to the active timeline as an
// unconfirmed message and sends it. It returns the message's local id.
func (e *Engine) SubmitMessage(ctx context.Context, text string) (string, error) {
	text, err := chat.ValidateMessage(text)
	if err != nil {
		return "", err
	}

	var (
		msgID   string
		sendErr error
	)
	err = e.loop.Do(ctx, func() {
		id := e.active
		if id == "" {
			sendErr = ErrNoActiveSession
			return
		}
		msgID = localID()
		e.store.AppendMessage(id, chat.Message{
			LocalID:   msgID,
			Text:      text,
			Sender:    chat.SenderUser,
			Timestamp: chat.FormatTimestamp(e.clock.Now()),
			IsLocal:   true,
		})
		e.store.UpdateMessages(id, sortTimeline)
		e.notify(id, KindMessages)

		frame, ferr := protocol.NewClientMessage(protocol.TypePlayerMessage, protocol.PlayerMessageMsg{
			CampaignID: id,
			Content:    text,
			LocalID:    msgID,
		})
		if ferr == nil {
			ferr = e.conns.Send(id, frame)
		}
		if ferr != nil {
			sendErr = fmt.Errorf("engine: send message: %w", ferr)
			e.showError(id, "Your message could not be sent. Please try again.")
			return
		}
		e.store.SetAwaitingResponse(id, true)
		e.store.SetNeedsResume(id, false)
		e.notify(id, KindFlags)
	})
	if err != nil {
		return "", err
	}
	return msgID, sendErr
}

// DismissSuggestion clears the active session's suggestion.
func (e *Engine) DismissSuggestion(ctx context.Context) error {
	return e.loop.Do(ctx, func() {
		if e.active == "" {
			return
		}
		e.store.ClearSuggestion(e.active)
		e.notify(e.active, KindSuggestion)
	})
}

// DismissError clears the active session's error banner.
func (e *Engine) DismissError(ctx context.Context) error {
	return e.loop.Do(ctx, func() {
		if e.active == "" {
			return
		}
		e.timers.Cancel(e.active, timers.PurposeErrorBanner)
		e.store.ClearError(e.active)
		e.notify(e.active, KindError)
	})
}

// State returns a copy of a session's state.
func (e *Engine) State(ctx context.Context, id string) (session.State, error) {
	var st session.State
	err := e.loop.Do(ctx, func() { st = e.store.View(id) })
	return st, err
}

// Active returns the active session id, or "".
func (e *Engine) Active(ctx context.Context) (string, error) {
	var id string
	err := e.loop.Do(ctx, func() { id = e.active })
	return id, err
}

func (e *Engine) notify(id string, kind Kind) {
	if id == "" {
		return
	}
	u := Update{SessionID: id, Kind: kind, At: e.clock.Now()}
	if e.notifier != nil {
		e.notifier.Notify(u)
	}
	select {
	case e.updates <- u:
	default:
		e.logger.Debug("update channel full, dropping update",
			zap.String("session_id", id), zap.String("kind", string(kind)))
	}
}

func (e *Engine) streamChanged(id string, ch stream.Channel, b stream.Buffer) {
	e.store.SetStream(id, ch, b)
	e.notify(id, KindStream)
}

// showError raises the error banner and schedules its auto-dismiss.
func (e *Engine) showError(id, msg string) {
	e.store.SetError(id, msg)
	e.notify(id, KindError)
	e.timers.Schedule(id, timers.PurposeErrorBanner, e.cfg.ErrorTimeout, func() {
		e.store.ClearError(id)
		e.notify(id, KindError)
	})
}

func sortTimeline(msgs []chat.Message) []chat.Message {
	return chat.Merge(msgs, nil)
}

// Package ws maintains one authenticated campaign socket per session and
// recovers from transient failures without opening duplicate sockets.
package ws

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/campaign-sync/internal/auth"
	"github.com/whisper/campaign-sync/internal/metrics"
	"github.com/whisper/campaign-sync/internal/protocol"
	"github.com/whisper/campaign-sync/internal/timers"
)

// ErrNotConnected is returned by Send when the session has no open socket.
var ErrNotConnected = errors.New("ws: session not connected")

// Config holds tunable parameters for the connection manager.
type Config struct {
	// URL is the socket endpoint. A "{campaign_id}" placeholder is replaced
	// with the session id; otherwise the id is appended as a path segment.
	URL string

	Floor     time.Duration // first reconnect delay
	Ceiling   time.Duration // largest reconnect delay
	AuthRetry time.Duration // retry delay when a mandatory credential is missing

	// AuthRequired refuses to connect without a credential.
	AuthRequired bool

	Heartbeat HeartbeatConfig
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		URL:       "ws://localhost:8080/ws",
		Floor:     time.Second,
		Ceiling:   30 * time.Second,
		AuthRetry: 10 * time.Second,
		Heartbeat: DefaultHeartbeatConfig(),
	}
}

// SocketURL builds the socket URL for a session.
func SocketURL(base, sessionID string) string {
	if strings.Contains(base, "{campaign_id}") {
		return strings.ReplaceAll(base, "{campaign_id}", url.PathEscape(sessionID))
	}
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(sessionID)
}

// Observer receives connection lifecycle and events. All methods run on the
// event loop.
type Observer interface {
	OnState(sessionID string, state ConnState)
	OnOpen(sessionID string)
	OnMessage(sessionID string, ev protocol.Event)
	OnError(sessionID string, err error)
	// OnTerminal reports that the session stopped retrying. class is the
	// close class that ended it.
	OnTerminal(sessionID string, class protocol.CloseClass)
}

// link is the connection record of one session. It outlives individual
// sockets so backoff and refresh bookkeeping survive reconnects.
type link struct {
	sessionID string
	gen       uint64
	state     ConnState
	conn      Conn
	writer    *writer
	cancel    context.CancelFunc
	backoff   *Backoff

	refreshUsed bool
	gotEnvelope bool
}

// Manager owns the sockets of every session. Its methods must only be called
// from the event loop that post and the timer registry deliver to.
type Manager struct {
	cfg      Config
	dialer   Dialer
	creds    auth.Source
	timers   *timers.Registry
	post     func(func())
	observer Observer
	logger   *zap.Logger

	base     context.Context
	shutdown context.CancelFunc
	links    map[string]*link
	gen      uint64
}

// NewManager creates a Manager. creds may be nil for unauthenticated
// deployments.
func NewManager(cfg Config, dialer Dialer, creds auth.Source, reg *timers.Registry, post func(func()), observer Observer, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Floor <= 0 {
		cfg.Floor = def.Floor
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = def.Ceiling
	}
	if cfg.AuthRetry <= 0 {
		cfg.AuthRetry = def.AuthRetry
	}
	if creds == nil {
		creds = auth.None
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		creds:    creds,
		timers:   reg,
		post:     post,
		observer: observer,
		logger:   logger,
		base:     base,
		shutdown: cancel,
		links:    make(map[string]*link),
	}
}

// State returns the connection state of a session.
func (m *Manager) State(sessionID string) ConnState {
	if l, ok := m.links[sessionID]; ok {
		return l.state
	}
	return ConnState{Phase: PhaseIdle}
}

// Live returns how many sessions are connecting or open.
func (m *Manager) Live() int {
	n := 0
	for _, l := range m.links {
		if l.state.Live() {
			n++
		}
	}
	return n
}

// Connect opens the session's socket. It is a no-op while a socket for the
// session is connecting or open. A pending reconnect is brought forward.
func (m *Manager) Connect(sessionID string) {
	if sessionID == "" {
		return
	}
	l, ok := m.links[sessionID]
	if ok && l.state.Live() {
		return
	}
	if !ok {
		l = &link{
			sessionID: sessionID,
			backoff:   NewBackoff(m.cfg.Floor, m.cfg.Ceiling),
		}
		m.links[sessionID] = l
	}
	m.timers.Cancel(sessionID, timers.PurposeReconnect)
	// A socket left closing by a write failure is released before redialing.
	m.release(l, protocol.CodeNormalClosure, "")
	m.attempt(l, "")
}

// Disconnect tears down the session's socket and cancels its pending
// reconnect. Late events from the old socket are ignored afterwards. It is
// idempotent.
func (m *Manager) Disconnect(sessionID string) {
	m.timers.Cancel(sessionID, timers.PurposeReconnect)
	l, ok := m.links[sessionID]
	if !ok {
		return
	}
	delete(m.links, sessionID)
	m.release(l, protocol.CodeNormalClosure, "client disconnect")
	l.state = ConnState{Phase: PhaseIdle}
	m.observer.OnState(sessionID, l.state)
}

// DisconnectAll tears down every session.
func (m *Manager) DisconnectAll() {
	for id := range m.links {
		m.Disconnect(id)
	}
}

// Close disconnects every session and aborts in-flight dials.
func (m *Manager) Close() {
	m.DisconnectAll()
	m.shutdown()
}

// Send queues one client frame on the session's socket.
func (m *Manager) Send(sessionID string, data []byte) error {
	l, ok := m.links[sessionID]
	if !ok || l.state.Phase != PhaseOpen || l.writer == nil {
		return ErrNotConnected
	}
	return l.writer.enqueue(data)
}

func (m *Manager) setState(l *link, s ConnState) {
	l.state = s
	m.observer.OnState(l.sessionID, s)
}

// current reports whether gen still identifies the live attempt of the
// session. Results of superseded attempts are dropped.
func (m *Manager) current(sessionID string, gen uint64) (*link, bool) {
	l, ok := m.links[sessionID]
	if !ok || l.gen != gen {
		return nil, false
	}
	return l, true
}

// attempt starts a dial. A non-empty token skips credential acquisition.
func (m *Manager) attempt(l *link, token string) {
	m.gen++
	gen := m.gen
	l.gen = gen
	l.gotEnvelope = false
	m.setState(l, ConnState{Phase: PhaseConnecting})

	ctx, cancel := context.WithCancel(m.base)
	l.cancel = cancel
	sessionID := l.sessionID
	target := SocketURL(m.cfg.URL, sessionID)

	go func() {
		if token == "" {
			tok, err := m.creds.Token(ctx)
			if err != nil {
				m.logger.Warn("credential unavailable",
					zap.String("session_id", sessionID), zap.Error(err))
			}
			token = tok
		}
		if token == "" && m.cfg.AuthRequired {
			m.post(func() { m.noCredential(sessionID, gen) })
			return
		}

		conn, err := m.dialer.Dial(ctx, target)
		m.post(func() { m.opened(sessionID, gen, conn, token, err) })
	}()
}

func (m *Manager) noCredential(sessionID string, gen uint64) {
	l, ok := m.current(sessionID, gen)
	if !ok {
		return
	}
	metrics.ConnectAttempts.WithLabelValues("no_credential").Inc()
	m.logger.Warn("credential required but unavailable, retrying",
		zap.String("session_id", sessionID),
		zap.Duration("delay", m.cfg.AuthRetry),
	)
	m.scheduleReconnect(l, m.cfg.AuthRetry)
}

func (m *Manager) opened(sessionID string, gen uint64, conn Conn, token string, err error) {
	l, ok := m.current(sessionID, gen)
	if !ok {
		if conn != nil {
			go conn.Close(protocol.CodeNormalClosure, "stale")
		}
		return
	}
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues("failed").Inc()
		m.logger.Warn("connect failed",
			zap.String("session_id", sessionID), zap.Error(err))
		m.observer.OnError(sessionID, err)
		m.closed(sessionID, gen, protocol.CodeAbnormalClosure, "")
		return
	}

	metrics.ConnectAttempts.WithLabelValues("opened").Inc()
	metrics.ConnectionsOpen.Inc()
	l.conn = conn
	l.backoff.Reset()
	l.writer = newWriter(conn, m.cfg.Heartbeat, func(werr error) {
		m.post(func() { m.failed(sessionID, gen, werr) })
	})

	if token != "" {
		frame, ferr := protocol.NewAuthMessage(token)
		if ferr == nil {
			ferr = l.writer.enqueue(frame)
		}
		if ferr != nil {
			m.logger.Error("failed to queue auth frame",
				zap.String("session_id", sessionID), zap.Error(ferr))
		}
	}

	go l.writer.run(m.timers.Clock(), m.cfg.Heartbeat.Interval)
	go m.readLoop(sessionID, gen, conn)

	m.logger.Info("connected", zap.String("session_id", sessionID), zap.Bool("authenticated", token != ""))
	m.setState(l, ConnState{Phase: PhaseOpen})
	m.observer.OnOpen(sessionID)
}

func (m *Manager) readLoop(sessionID string, gen uint64, conn Conn) {
	for {
		data, err := conn.ReadText()
		if err != nil {
			code, reason, framed := closeInfo(err)
			if framed {
				m.post(func() { m.closed(sessionID, gen, code, reason) })
			} else {
				m.post(func() { m.dropped(sessionID, gen, err) })
			}
			return
		}
		m.post(func() { m.received(sessionID, gen, data) })
	}
}

func (m *Manager) received(sessionID string, gen uint64, data []byte) {
	l, ok := m.current(sessionID, gen)
	if !ok {
		return
	}
	ev, err := protocol.ParseServerMessage(data)
	if err != nil {
		metrics.MalformedEnvelopes.Inc()
		m.logger.Warn("dropping malformed envelope",
			zap.String("session_id", sessionID),
			zap.Int("bytes", len(data)),
			zap.Error(err),
		)
		return
	}
	if !l.gotEnvelope {
		// The credential was accepted; allow another refresh later.
		l.gotEnvelope = true
		l.refreshUsed = false
	}
	metrics.Envelopes.WithLabelValues(ev.EventType()).Inc()
	m.observer.OnMessage(sessionID, ev)
}

// dropped handles a read error that did not carry a close frame.
func (m *Manager) dropped(sessionID string, gen uint64, err error) {
	if _, ok := m.current(sessionID, gen); !ok {
		return
	}
	m.logger.Debug("socket read failed", zap.String("session_id", sessionID), zap.Error(err))
	m.observer.OnError(sessionID, err)
	code, reason, _ := closeInfo(err)
	m.closed(sessionID, gen, code, reason)
}

// failed handles a write error. The socket is force-closed; the read loop
// then reports the close and recovery happens there.
func (m *Manager) failed(sessionID string, gen uint64, err error) {
	l, ok := m.current(sessionID, gen)
	if !ok {
		return
	}
	m.logger.Warn("socket write failed", zap.String("session_id", sessionID), zap.Error(err))
	m.observer.OnError(sessionID, err)
	if l.conn != nil && l.state.Phase == PhaseOpen {
		m.setState(l, ConnState{Phase: PhaseClosing})
		conn := l.conn
		go conn.Close(protocol.CodeAbnormalClosure, "")
	}
}

// release stops the link's writer, aborts its dial and closes its socket.
func (m *Manager) release(l *link, code int, reason string) {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	if l.writer != nil {
		l.writer.close()
		l.writer = nil
	}
	if l.conn != nil {
		metrics.ConnectionsOpen.Dec()
		conn := l.conn
		l.conn = nil
		go conn.Close(code, reason)
	}
}

func (m *Manager) closed(sessionID string, gen uint64, code int, reason string) {
	l, ok := m.current(sessionID, gen)
	if !ok {
		return
	}
	m.release(l, protocol.CodeNormalClosure, "")

	class := protocol.ClassifyClose(code, reason)
	metrics.Closes.WithLabelValues(class.String()).Inc()
	log := m.logger.With(
		zap.String("session_id", sessionID),
		zap.Int("code", code),
		zap.String("reason", reason),
		zap.Stringer("class", class),
	)

	switch class {
	case protocol.CloseRetryable:
		delay := l.backoff.Next()
		log.Info("connection lost, reconnecting", zap.Duration("delay", delay))
		m.scheduleReconnect(l, delay)

	case protocol.CloseAuthExpired:
		if l.refreshUsed {
			log.Warn("credential rejected after refresh, giving up")
			m.terminate(l, class)
			return
		}
		l.refreshUsed = true
		log.Info("credential expired, refreshing")
		m.refresh(l)

	default:
		log.Info("connection closed, not reconnecting")
		m.terminate(l, class)
	}
}

func (m *Manager) refresh(l *link) {
	m.gen++
	gen := m.gen
	l.gen = gen
	m.setState(l, ConnState{Phase: PhaseConnecting})

	ctx, cancel := context.WithCancel(m.base)
	l.cancel = cancel
	sessionID := l.sessionID

	go func() {
		token, err := m.creds.Refresh(ctx)
		m.post(func() {
			l, ok := m.current(sessionID, gen)
			if !ok {
				return
			}
			if err == nil && token == "" {
				err = auth.ErrNoCredential
			}
			if err != nil {
				m.logger.Warn("credential refresh failed",
					zap.String("session_id", sessionID), zap.Error(err))
				m.terminate(l, protocol.CloseAuthExpired)
				return
			}
			m.attempt(l, token)
		})
	}()
}

func (m *Manager) scheduleReconnect(l *link, delay time.Duration) {
	metrics.ReconnectsScheduled.Inc()
	m.setState(l, ConnState{Phase: PhaseReconnecting, Backoff: delay})
	sessionID := l.sessionID
	m.timers.Schedule(sessionID, timers.PurposeReconnect, delay, func() {
		if cur, ok := m.links[sessionID]; ok && cur == l {
			m.attempt(l, "")
		}
	})
}

func (m *Manager) terminate(l *link, class protocol.CloseClass) {
	m.release(l, protocol.CodeNormalClosure, "")
	delete(m.links, l.sessionID)
	m.setState(l, ConnState{Phase: PhaseIdle})
	m.observer.OnTerminal(l.sessionID, class)
}

// Package devserver implements a scripted campaign server that speaks the
// campaign wire protocol. It backs end-to-end tests and local replay runs.
package devserver

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/campaign-sync/internal/auth"
	"github.com/whisper/campaign-sync/internal/chat"
	"github.com/whisper/campaign-sync/internal/protocol"
)

// Config holds dev server settings.
type Config struct {
	// RequireAuth makes the first client frame an auth frame; anything else
	// closes the socket with 4401.
	RequireAuth bool
	// Secret, when set, validates auth tokens as HS256 JWTs and enables the
	// /token endpoint.
	Secret   []byte
	TokenTTL time.Duration
	// Supersede closes an older socket for the same campaign with 4409 when
	// a new one connects.
	Supersede    bool
	WriteTimeout time.Duration
	Script       []Step
	Clock        clock.Clock
}

// DefaultConfig returns a Config with development defaults.
func DefaultConfig() Config {
	return Config{
		TokenTTL:     time.Hour,
		WriteTimeout: 5 * time.Second,
	}
}

// Frame is a client frame the server received.
type Frame struct {
	ConnID     string
	CampaignID string
	Type       string
	Data       []byte
	At         time.Time
}

// clientFrame holds the fields the server reads from client frames.
type clientFrame struct {
	Type    string `json:"type"`
	Token   string `json:"token"`
	Content string `json:"content"`
}

// Server is the scripted campaign server.
type Server struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.RWMutex
	conns    map[string]*Conn
	received []Frame
	history  map[string][]HistoryMessage
}

// New creates a Server.
func New(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &Server{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  logger,
		conns:   make(map[string]*Conn),
		history: make(map[string][]HistoryMessage),
	}
}

// Handler returns the server's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{campaign_id}", s.handleUpgrade)
	mux.HandleFunc("GET /campaigns/{campaign_id}/messages", s.handleHistory)
	mux.HandleFunc("GET /token", s.handleToken)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	campaignID := r.PathValue("campaign_id")

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := &Conn{
		ID:           uuid.New().String(),
		CampaignID:   campaignID,
		CreatedAt:    s.clock.Now(),
		conn:         conn,
		writeTimeout: s.cfg.WriteTimeout,
		done:         make(chan struct{}),
	}
	var reader io.Reader = conn
	if rw != nil {
		reader = rw.Reader
	}

	s.add(c)
	s.logger.Info("client connected",
		zap.String("conn_id", c.ID), zap.String("campaign_id", campaignID))

	go s.serve(c, reader)
}

func (s *Server) add(c *Conn) {
	s.mu.Lock()
	var older []*Conn
	if s.cfg.Supersede {
		for _, other := range s.conns {
			if other.CampaignID == c.CampaignID {
				older = append(older, other)
			}
		}
	}
	s.conns[c.ID] = c
	s.mu.Unlock()

	for _, o := range older {
		_ = o.Close(protocol.CodeSuperseded, protocol.SupersededReason)
	}
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.ID)
	s.mu.Unlock()
}

// serve reads client frames until the socket closes.
func (s *Server) serve(c *Conn, r io.Reader) {
	defer func() {
		s.remove(c)
		_ = c.conn.Close()
		c.markDone()
		s.logger.Info("client disconnected", zap.String("conn_id", c.ID))
	}()

	authed := !s.cfg.RequireAuth
	if authed {
		s.run(c, TriggerConnect)
	}

	rw := struct {
		io.Reader
		io.Writer
	}{r, c.controlWriter()}

	for {
		data, op, err := wsutil.ReadClientData(rw)
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read error", zap.String("conn_id", c.ID), zap.Error(err))
			}
			return
		}
		if op != ws.OpText {
			continue
		}

		var f clientFrame
		_ = json.Unmarshal(data, &f)
		s.record(c, f.Type, data)

		if !authed {
			if !s.authorize(c, f) {
				return
			}
			authed = true
			s.run(c, TriggerConnect)
			continue
		}

		if f.Type == protocol.TypePlayerMessage {
			s.AppendHistory(c.CampaignID, HistoryMessage{
				ID:        uuid.New().String(),
				Content:   f.Content,
				Sender:    "user",
				Timestamp: chat.FormatTimestamp(s.clock.Now()),
			})
			s.run(c, TriggerPlayerMessage)
		}
	}
}

// authorize checks the first frame of a socket that must authenticate. It
// closes the socket and reports false when the frame is not acceptable.
func (s *Server) authorize(c *Conn, f clientFrame) bool {
	if f.Type != protocol.TypeAuth || f.Token == "" {
		_ = c.Close(protocol.CodeAuthExpired, "authentication required")
		return false
	}
	if len(s.cfg.Secret) == 0 {
		return true
	}
	if _, err := auth.Validate(s.cfg.Secret, f.Token); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			_ = c.Close(protocol.CodeAuthExpired, "token expired")
		} else {
			_ = c.Close(protocol.CodeForbidden, "invalid token")
		}
		s.logger.Info("auth rejected", zap.String("conn_id", c.ID), zap.Error(err))
		return false
	}
	return true
}

func (s *Server) record(c *Conn, typ string, data []byte) {
	s.mu.Lock()
	s.received = append(s.received, Frame{
		ConnID:     c.ID,
		CampaignID: c.CampaignID,
		Type:       typ,
		Data:       append([]byte(nil), data...),
		At:         s.clock.Now(),
	})
	s.mu.Unlock()
}

// run plays the steps matching trigger on c in the background.
func (s *Server) run(c *Conn, trigger string) {
	var steps []Step
	for _, st := range s.cfg.Script {
		if st.matches(trigger, c.CampaignID) {
			steps = append(steps, st)
		}
	}
	if len(steps) == 0 {
		return
	}

	go func() {
		for _, st := range steps {
			if st.delay > 0 {
				select {
				case <-s.clock.After(st.delay):
				case <-c.done:
					return
				}
			}
			switch {
			case st.Frame != nil:
				if err := c.WriteText(st.Frame); err != nil {
					s.logger.Debug("script write failed", zap.String("conn_id", c.ID), zap.Error(err))
					return
				}
			case st.History != nil:
				s.AppendHistory(c.CampaignID, *st.History)
			case st.Close != nil:
				_ = c.Close(st.Close.Code, st.Close.Reason)
				return
			}
		}
	}()
}

// Broadcast sends data to every socket and returns how many accepted it.
func (s *Server) Broadcast(data []byte) int {
	return s.sendWhere(data, func(*Conn) bool { return true })
}

// SendTo sends data to every socket of a campaign and returns how many
// accepted it.
func (s *Server) SendTo(campaignID string, data []byte) int {
	return s.sendWhere(data, func(c *Conn) bool { return c.CampaignID == campaignID })
}

func (s *Server) sendWhere(data []byte, match func(*Conn) bool) int {
	sent := 0
	for _, c := range s.All() {
		if !match(c) {
			continue
		}
		if err := c.WriteText(data); err != nil {
			s.logger.Debug("send failed", zap.String("conn_id", c.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// CloseAll closes every socket with code and reason.
func (s *Server) CloseAll(code int, reason string) {
	for _, c := range s.All() {
		_ = c.Close(code, reason)
	}
}

// CloseCampaign closes every socket of a campaign and returns how many were
// closed.
func (s *Server) CloseCampaign(campaignID string, code int, reason string) int {
	n := 0
	for _, c := range s.All() {
		if c.CampaignID == campaignID {
			_ = c.Close(code, reason)
			n++
		}
	}
	return n
}

// Connections returns the number of open sockets.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// All returns a snapshot of the open sockets.
func (s *Server) All() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Received returns the client frames received so far, oldest first.
func (s *Server) Received() []Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Frame, len(s.received))
	copy(out, s.received)
	return out
}

// AppendHistory adds messages to a campaign's history.
func (s *Server) AppendHistory(campaignID string, msgs ...HistoryMessage) {
	s.mu.Lock()
	s.history[campaignID] = append(s.history[campaignID], msgs...)
	s.mu.Unlock()
}

// History returns a copy of a campaign's history.
func (s *Server) History(campaignID string) []HistoryMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]HistoryMessage(nil), s.history[campaignID]...)
}

// Shutdown closes every socket as going away.
func (s *Server) Shutdown() {
	s.CloseAll(protocol.CodeGoingAway, "server shutting down")
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RequireAuth && !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	msgs := s.History(r.PathValue("campaign_id"))
	if msgs == nil {
		msgs = []HistoryMessage{}
	}
	writeJSON(w, map[string]any{"messages": msgs})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if len(s.cfg.Secret) == 0 {
		http.NotFound(w, r)
		return
	}
	user := r.URL.Query().Get("user")
	if user == "" {
		user = "dev-player"
	}
	token, err := auth.Sign(s.cfg.Secret, user, s.clock.Now(), s.cfg.TokenTTL)
	if err != nil {
		http.Error(w, "sign token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"token": token})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":      "ok",
		"connections": s.Connections(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Conn is one client socket.
type Conn struct {
	ID         string
	CampaignID string
	CreatedAt  time.Time

	conn         net.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closed       bool

	done     chan struct{}
	doneOnce sync.Once
}

func (c *Conn) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Conn) deadline() {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// WriteText sends a text frame.
func (c *Conn) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.deadline()
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// Close sends a close frame with code and reason and releases the socket.
func (c *Conn) Close(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.deadline()
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
	return c.conn.Close()
}

// controlWriter answers control frames without interleaving with script
// writes.
func (c *Conn) controlWriter() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		if c.closed {
			return 0, net.ErrClosed
		}
		c.deadline()
		return c.conn.Write(p)
	})
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

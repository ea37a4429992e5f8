package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/campaign-sync/internal/protocol"
)

// Conn is one client socket. ReadText may be called from one goroutine while
// WriteText, Ping and Close are called from another.
type Conn interface {
	// ReadText blocks for the next text frame. A close frame from the peer
	// is reported as a *CloseError.
	ReadText() ([]byte, error)
	WriteText(data []byte) error
	Ping() error
	// Close sends a close frame when possible and releases the socket.
	Close(code int, reason string) error
}

// Dialer opens client sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CloseError carries the close code and reason the peer sent.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("ws: closed with code %d: %q", e.Code, e.Reason)
}

// closeInfo extracts the close code and reason from a read error. Errors
// without a close frame count as an abnormal closure and report false.
func closeInfo(err error) (int, string, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason, true
	}
	return protocol.CodeAbnormalClosure, "", false
}

// GobwasDialer dials sockets with gobwas/ws.
type GobwasDialer struct {
	// Timeout bounds the TCP connect and upgrade handshake.
	Timeout time.Duration
	// WriteTimeout bounds each frame write. Zero disables the deadline.
	WriteTimeout time.Duration
}

func (d GobwasDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := ws.Dialer{Timeout: d.Timeout}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}

	c := &gobwasConn{conn: conn, writeTimeout: d.WriteTimeout}
	c.lw = lockedWriter{mu: &c.writeMu, c: c}
	c.r = conn
	if br != nil {
		// The server may have sent frames together with the handshake.
		c.r = br
	}
	return c, nil
}

type gobwasConn struct {
	conn         net.Conn
	r            io.Reader
	writeTimeout time.Duration

	writeMu sync.Mutex
	lw      lockedWriter
	closed  bool
}

// lockedWriter lets the reader answer control frames without interleaving
// with application writes.
type lockedWriter struct {
	mu *sync.Mutex
	c  *gobwasConn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.deadline()
	return w.c.conn.Write(p)
}

func (c *gobwasConn) deadline() {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

func (c *gobwasConn) ReadText() ([]byte, error) {
	rw := struct {
		io.Reader
		io.Writer
	}{c.r, c.lw}

	data, err := wsutil.ReadServerText(rw)
	if err != nil {
		var closed wsutil.ClosedError
		if errors.As(err, &closed) {
			return nil, &CloseError{Code: int(closed.Code), Reason: closed.Reason}
		}
		return nil, err
	}
	return data, nil
}

func (c *gobwasConn) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.deadline()
	return wsutil.WriteClientText(c.conn, data)
}

func (c *gobwasConn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.deadline()
	return ws.WriteFrame(c.conn, ws.MaskFrameInPlace(ws.NewPingFrame(nil)))
}

func (c *gobwasConn) Close(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.deadline()
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, body)
	return c.conn.Close()
}

package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrSendBufferFull is returned when a session's outbound buffer is full.
var ErrSendBufferFull = errors.New("ws: send buffer full")

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval   time.Duration // how often to ping (0 disables pings)
	SendBuffer int           // outbound frames that may be queued
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:   30 * time.Second,
		SendBuffer: 32,
	}
}

// writer owns every write to one Conn. It drains queued frames in order and
// sends a ping frame (opcode 0x9) each Interval. The first write error is
// reported once through onError and stops the writer.
type writer struct {
	conn    Conn
	send    chan []byte
	stop    chan struct{}
	once    sync.Once
	onError func(error)
}

func newWriter(conn Conn, cfg HeartbeatConfig, onError func(error)) *writer {
	size := cfg.SendBuffer
	if size <= 0 {
		size = DefaultHeartbeatConfig().SendBuffer
	}
	return &writer{
		conn:    conn,
		send:    make(chan []byte, size),
		stop:    make(chan struct{}),
		onError: onError,
	}
}

// enqueue queues data without blocking.
func (w *writer) enqueue(data []byte) error {
	select {
	case <-w.stop:
		return ErrNotConnected
	default:
	}
	select {
	case w.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (w *writer) close() {
	w.once.Do(func() { close(w.stop) })
}

func (w *writer) run(clk clock.Clock, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := clk.Ticker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-w.stop:
			return
		case data := <-w.send:
			if err := w.conn.WriteText(data); err != nil {
				w.fail(err)
				return
			}
		case <-tick:
			if err := w.conn.Ping(); err != nil {
				w.fail(err)
				return
			}
		}
	}
}

func (w *writer) fail(err error) {
	w.close()
	if w.onError != nil {
		w.onError(err)
	}
}

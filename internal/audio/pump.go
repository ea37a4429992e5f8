package audio

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/whisper/campaign-sync/internal/metrics"
)

// ErrPumpFull is reported when an entry is submitted faster than the queue
// accepts them.
var ErrPumpFull = errors.New("audio: pump buffer full")

// Result reports the outcome of one enqueue.
type Result struct {
	Entry    Entry
	Accepted bool
	Err      error
}

type job struct {
	entry Entry
	done  func(Result)
}

// Pump hands entries to a PlaybackQueue from a single goroutine so that
// arrival order is preserved and the event loop never blocks on queue I/O.
type Pump struct {
	queue  PlaybackQueue
	logger *zap.Logger
	jobs   chan job
}

// NewPump creates a Pump with room for size pending entries.
func NewPump(queue PlaybackQueue, size int, logger *zap.Logger) *Pump {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pump{
		queue:  queue,
		logger: logger,
		jobs:   make(chan job, size),
	}
}

// Submit queues e without blocking. done runs on the pump goroutine once the
// queue answered; it may be nil.
func (p *Pump) Submit(e Entry, done func(Result)) {
	if done == nil {
		done = func(Result) {}
	}
	select {
	case p.jobs <- job{entry: e, done: done}:
	default:
		p.logger.Warn("audio pump full, dropping entry",
			zap.String("session_id", e.SessionID),
			zap.String("chunk_id", e.ID),
		)
		metrics.AudioChunks.WithLabelValues("failed").Inc()
		done(Result{Entry: e, Err: ErrPumpFull})
	}
}

// Run drains submitted entries until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			ok, err := p.queue.Enqueue(ctx, j.entry)
			switch {
			case err != nil:
				p.logger.Error("audio enqueue failed",
					zap.String("session_id", j.entry.SessionID),
					zap.String("chunk_id", j.entry.ID),
					zap.Error(err),
				)
				metrics.AudioChunks.WithLabelValues("failed").Inc()
			case ok:
				metrics.AudioChunks.WithLabelValues("enqueued").Inc()
			default:
				metrics.AudioChunks.WithLabelValues("duplicate").Inc()
			}
			j.done(Result{Entry: j.entry, Accepted: ok, Err: err})
		}
	}
}

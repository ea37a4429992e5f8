// Package loop provides the single-goroutine executor that owns all session
// state. Every mutation of session data happens inside a callback run by the
// loop, one at a time and to completion, so the structures it protects need
// no locking. Blocking I/O runs on other goroutines that post their results
// back with Post.
package loop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("loop: stopped")

// DefaultQueueSize is the number of callbacks that may be pending before
// Post blocks.
const DefaultQueueSize = 256

// Loop serializes callbacks onto one goroutine.
type Loop struct {
	queue    chan func()
	done     chan struct{}
	stopOnce sync.Once
	running  sync.Mutex
}

// New creates a Loop with the given queue size. A non-positive size selects
// DefaultQueueSize.
func New(size int) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Loop{
		queue: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Run executes posted callbacks until ctx is cancelled. Callbacks still queued
// when the loop stops are discarded. Run may only be active once at a time.
func (l *Loop) Run(ctx context.Context) {
	l.running.Lock()
	defer l.running.Unlock()
	defer l.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.queue:
			fn()
		}
	}
}

// Post enqueues fn. After the loop has stopped, fn is dropped.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// Do enqueues fn and waits until it has run, ctx is cancelled, or the loop
// stops. Do must not be called from inside a loop callback.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case <-l.done:
		return ErrStopped
	default:
	}

	select {
	case l.queue <- wrapped:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// The callback may have been discarded with the rest of the queue.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

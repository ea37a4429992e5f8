package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingQueue struct {
	mu  sync.Mutex
	got []string
	err error
}

func (q *recordingQueue) Enqueue(_ context.Context, e Entry) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, q.err
	}
	q.got = append(q.got, e.ID)
	return true, nil
}

func TestPumpPreservesOrder(t *testing.T) {
	q := &recordingQueue{}
	p := NewPump(q, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	results := make(chan Result, 3)
	for _, id := range []string{"a", "b", "c"} {
		p.Submit(entry(id, "g", 0), func(r Result) { results <- r })
	}
	for i := 0; i < 3; i++ {
		select {
		case r := <-results:
			if !r.Accepted || r.Err != nil {
				t.Fatalf("unexpected result %+v", r)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for pump")
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.got) != 3 || q.got[0] != "a" || q.got[1] != "b" || q.got[2] != "c" {
		t.Fatalf("expected [a b c], got %v", q.got)
	}
}

func TestPumpReportsErrors(t *testing.T) {
	boom := errors.New("boom")
	p := NewPump(&recordingQueue{err: boom}, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	done := make(chan Result, 1)
	p.Submit(entry("a", "g", 0), func(r Result) { done <- r })
	select {
	case r := <-done:
		if !errors.Is(r.Err, boom) {
			t.Fatalf("expected boom, got %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pump")
	}
}

func TestPumpFull(t *testing.T) {
	p := NewPump(&recordingQueue{}, 1, nil)

	p.Submit(entry("a", "g", 0), nil)
	var r Result
	p.Submit(entry("b", "g", 0), func(res Result) { r = res })
	if !errors.Is(r.Err, ErrPumpFull) {
		t.Fatalf("expected ErrPumpFull, got %v", r.Err)
	}
}

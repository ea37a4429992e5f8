package audio

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultGapTimeout is how long a missing chunk may hold later ones back.
const DefaultGapTimeout = 3 * time.Second

// Player receives entries in playback order.
type Player func(Entry)

type group struct {
	next     int
	pending  []Entry
	accepted int
	total    int

	gap   uint64
	timer *clock.Timer
}

// OrderedQueue is an in-memory PlaybackQueue. Within a playback group it
// releases entries to the player in sequence order, holding later entries
// back until a gap is filled. Groups are independent.
//
// Held entries are released early once the group's announced total has
// arrived, or once a gap has stayed open for GapTimeout.
type OrderedQueue struct {
	// First is the sequence number a new group starts at.
	First int
	// GapTimeout bounds how long a gap holds entries back. Zero waits until
	// Flush.
	GapTimeout time.Duration
	Clock      clock.Clock

	mu     sync.Mutex
	play   Player
	seen   map[string]struct{}
	groups map[string]*group
}

// NewOrderedQueue creates a queue that plays through play.
func NewOrderedQueue(play Player) *OrderedQueue {
	if play == nil {
		play = func(Entry) {}
	}
	return &OrderedQueue{
		GapTimeout: DefaultGapTimeout,
		Clock:      clock.New(),
		play:       play,
		seen:       make(map[string]struct{}),
		groups:     make(map[string]*group),
	}
}

// Enqueue accepts e unless its id was already accepted. Entries that became
// playable are handed to the player before Enqueue returns. The player runs
// with the queue locked and must not call back into it.
func (q *OrderedQueue) Enqueue(_ context.Context, e Entry) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.seen[e.ID]; dup {
		return false, nil
	}
	q.seen[e.ID] = struct{}{}

	key := e.PlaybackGroup
	g, ok := q.groups[key]
	if !ok {
		g = &group{next: min(q.First, e.SequenceNumber)}
		q.groups[key] = g
	}
	g.accepted++
	if e.TotalChunks > 0 {
		g.total = e.TotalChunks
	}

	if e.SequenceNumber < g.next {
		// Late arrival behind the cursor; play it rather than lose it.
		q.play(e)
		return true, nil
	}

	g.pending = append(g.pending, e)
	sort.SliceStable(g.pending, func(i, j int) bool {
		return g.pending[i].SequenceNumber < g.pending[j].SequenceNumber
	})
	var ready []Entry
	for len(g.pending) > 0 && g.pending[0].SequenceNumber <= g.next {
		ready = append(ready, g.pending[0])
		if g.pending[0].SequenceNumber == g.next {
			g.next++
		}
		g.pending = g.pending[1:]
	}
	for _, r := range ready {
		q.play(r)
	}

	switch {
	case len(g.pending) == 0:
		q.disarm(g)
	case g.total > 0 && g.accepted >= g.total:
		// Every announced chunk is here; nothing can fill the gap.
		q.release(g)
	default:
		q.arm(key, g)
	}
	return true, nil
}

// Waiting returns how many entries of a group are held back by a gap.
func (q *OrderedQueue) Waiting(playbackGroup string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if g, ok := q.groups[playbackGroup]; ok {
		return len(g.pending)
	}
	return 0
}

// Flush releases every held-back entry of a group in sequence order, giving
// up on the missing ones.
func (q *OrderedQueue) Flush(playbackGroup string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if g, ok := q.groups[playbackGroup]; ok {
		q.release(g)
	}
}

func (q *OrderedQueue) release(g *group) {
	q.disarm(g)
	ready := g.pending
	g.pending = nil
	if n := len(ready); n > 0 {
		g.next = ready[n-1].SequenceNumber + 1
	}
	for _, r := range ready {
		q.play(r)
	}
}

// arm starts the gap timer of a group unless one is running.
func (q *OrderedQueue) arm(key string, g *group) {
	if q.GapTimeout <= 0 || g.timer != nil {
		return
	}
	clk := q.Clock
	if clk == nil {
		clk = clock.New()
	}
	g.gap++
	gap := g.gap
	g.timer = clk.AfterFunc(q.GapTimeout, func() { q.gapExpired(key, gap) })
}

func (q *OrderedQueue) disarm(g *group) {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (q *OrderedQueue) gapExpired(key string, gap uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g, ok := q.groups[key]
	if !ok || g.timer == nil || g.gap != gap {
		return
	}
	g.timer = nil
	q.release(g)
}

package ws

import "time"

// Backoff produces exponentially growing reconnect delays. The first delay
// is Floor; each later one doubles, capped at Ceiling.
type Backoff struct {
	Floor   time.Duration
	Ceiling time.Duration

	next time.Duration
}

// NewBackoff creates a Backoff between floor and ceiling.
func NewBackoff(floor, ceiling time.Duration) *Backoff {
	if floor <= 0 {
		floor = time.Second
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{Floor: floor, Ceiling: ceiling, next: floor}
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.Peek()
	b.next = min(d*2, b.Ceiling)
	return d
}

// Peek returns the delay Next would return without advancing.
func (b *Backoff) Peek() time.Duration {
	if b.next < b.Floor {
		return b.Floor
	}
	return b.next
}

// Reset returns the sequence to Floor.
func (b *Backoff) Reset() {
	b.next = b.Floor
}

package ws

import (
	"testing"
	"time"
)

func TestBackoffGrowsToCeiling(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Fatalf("attempt %d: expected %v, got %v", i, w*time.Second, got)
		}
	}
}

func TestBackoffNonDecreasing(t *testing.T) {
	b := NewBackoff(250*time.Millisecond, 7*time.Second)

	prev := time.Duration(0)
	for i := 0; i < 50; i++ {
		d := b.Next()
		if d < prev {
			t.Fatalf("attempt %d: delay decreased from %v to %v", i, prev, d)
		}
		if d > 7*time.Second {
			t.Fatalf("attempt %d: delay %v exceeds ceiling", i, d)
		}
		prev = d
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("expected floor after reset, got %v", got)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)
	if b.Floor != time.Second || b.Ceiling != time.Second {
		t.Fatalf("unexpected defaults floor=%v ceiling=%v", b.Floor, b.Ceiling)
	}
}

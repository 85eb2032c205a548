package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestTakeGive(t *testing.T) {
	c := NewCounters()
	start := time.Unix(3600, 0)
	end := start.Add(time.Hour)

	if used, ok := c.Take("acme|sessions", start, start, end, 3, 2); !ok || used != 2 {
		t.Fatalf("Take(2) = %d, %v, want 2, true", used, ok)
	}
	if used, ok := c.Take("acme|sessions", start, start, end, 3, 2); ok || used != 2 {
		t.Fatalf("Take(2) over limit = %d, %v, want 2, false", used, ok)
	}
	if used, ok := c.Take("acme|sessions", start, start, end, 3, 1); !ok || used != 3 {
		t.Fatalf("Take(1) = %d, %v, want 3, true", used, ok)
	}

	if used := c.Give("acme|sessions", start, start, 2); used != 1 {
		t.Errorf("Give(2) = %d, want 1", used)
	}
	if got := c.Peek("acme|sessions", start, start); got != 1 {
		t.Errorf("Peek = %d, want 1", got)
	}
}

func TestWindowStartChangeResets(t *testing.T) {
	c := NewCounters()
	first := time.Unix(0, 0)
	next := first.Add(time.Hour)

	c.Take("k", first, first, next, 5, 5)
	if got := c.Peek("k", next, next); got != 0 {
		t.Errorf("Peek(next window) = %d, want 0", got)
	}
	// Giving to an expired window does not touch the new one.
	c.Take("k", next, next, next.Add(time.Hour), 5, 1)
	if got := c.Give("k", next, first, 1); got != 0 {
		t.Errorf("Give(old window) = %d, want 0", got)
	}
	if got := c.Peek("k", next, next); got != 1 {
		t.Errorf("Peek(next window) = %d, want 1", got)
	}
}

func TestTakeConcurrent(t *testing.T) {
	c := NewCounters()
	start := time.Unix(0, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	taken := 0
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.Take("k", start, start, start.Add(time.Minute), 10, 1); ok {
				mu.Lock()
				taken++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if taken != 10 {
		t.Errorf("taken = %d, want 10", taken)
	}
}

func TestSweep(t *testing.T) {
	c := NewCounters()
	now := time.Unix(10_000, 0)

	old := now.Add(-2 * time.Hour)

	c.Do("idle", old, func(g *Group) { g.Add("1m0s", old, old.Add(time.Minute), 1) })
	c.Do("locked", old, func(g *Group) { g.Lock(now.Add(time.Minute)) })
	c.Do("fresh", now, func(g *Group) { g.Add("1m0s", now, now.Add(time.Minute), 1) })
	// Idle but inside a day-long window.
	c.Take("quota|acme|sessions", old, old, old.Add(24*time.Hour), 5, 1)

	if n := c.Sweep(now, now.Add(-time.Hour)); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if got := c.Len(); got != 3 {
		t.Errorf("Len = %d, want 3", got)
	}
	if got := c.Peek("quota|acme|sessions", now, old); got != 1 {
		t.Errorf("day window count after sweep = %d, want 1", got)
	}
}

func TestTakeRecordsCallTime(t *testing.T) {
	c := NewCounters()
	start := time.Unix(0, 0)
	end := start.Add(24 * time.Hour)
	now := start.Add(20 * time.Hour)

	c.Take("k", now, start, end, 5, 1)

	// Once the window has ended the group is only idle relative to the
	// time of the Take, not the window start.
	after := end.Add(time.Minute)
	if n := c.Sweep(after, now); n != 0 {
		t.Errorf("Sweep removed %d groups used at the cutoff, want 0", n)
	}
	if n := c.Sweep(after, now.Add(time.Second)); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
}

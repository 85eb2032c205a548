package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const shardCount = 64

// Counters is a sharded store of fixed-window counters. State is grouped by
// key (for example "auth_ip|203.0.113.7"); every operation on one group is
// serialized, so a caller may check and update several windows of the
// same group atomically through Do.
type Counters struct {
	shards [shardCount]shard
}

type shard struct {
	mu     sync.Mutex
	groups map[string]*Group
}

// Group is the counter state of one key. It is only valid inside the
// callback passed to Counters.Do.
type Group struct {
	windows     map[string]window
	lockedUntil time.Time
	burst       *rate.Limiter
	touched     time.Time
}

type window struct {
	start time.Time
	end   time.Time
	count int64
}

// NewCounters creates an empty counter store.
func NewCounters() *Counters {
	c := &Counters{}
	for i := range c.shards {
		c.shards[i].groups = make(map[string]*Group)
	}
	return c
}

func (c *Counters) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &c.shards[h.Sum32()%shardCount]
}

// Do runs fn with exclusive access to the group stored under key. now is
// recorded as the group's last use for Sweep.
func (c *Counters) Do(key string, now time.Time, fn func(g *Group)) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	g, ok := sh.groups[key]
	if !ok {
		g = &Group{windows: make(map[string]window)}
		sh.groups[key] = g
	}
	g.touched = now
	fn(g)
}

// Count returns the count of the named window starting at start. A stored
// window with a different start has expired and counts as zero.
func (g *Group) Count(name string, start time.Time) int64 {
	w, ok := g.windows[name]
	if !ok || !w.start.Equal(start) {
		return 0
	}
	return w.count
}

// Add adds n to the named window spanning [start, end) and returns the
// new count. n may be negative; counts never drop below zero.
func (g *Group) Add(name string, start, end time.Time, n int64) int64 {
	w, ok := g.windows[name]
	if !ok || !w.start.Equal(start) {
		w = window{start: start, end: end}
	}
	w.count += n
	if w.count < 0 {
		w.count = 0
	}
	g.windows[name] = w
	return w.count
}

// live reports whether any window of g is still open at now.
func (g *Group) live(now time.Time) bool {
	for _, w := range g.windows {
		if now.Before(w.end) {
			return true
		}
	}
	return false
}

// LockedUntil returns the end of the group's lockout, or the zero time.
func (g *Group) LockedUntil() time.Time { return g.lockedUntil }

// Lock blocks the group until the given time.
func (g *Group) Lock(until time.Time) {
	if until.After(g.lockedUntil) {
		g.lockedUntil = until
	}
}

// Burst returns the group's token bucket, creating it with mk on first use.
func (g *Group) Burst(mk func() *rate.Limiter) *rate.Limiter {
	if g.burst == nil {
		g.burst = mk()
	}
	return g.burst
}

// Take adds n to the window [start, end) of key if the result stays
// within limit. It returns the count after the operation and whether n
// was taken; a refused Take leaves the count unchanged.
func (c *Counters) Take(key string, now, start, end time.Time, limit, n int64) (int64, bool) {
	var (
		used int64
		ok   bool
	)
	c.Do(key, now, func(g *Group) {
		used = g.Count("", start)
		if used+n > limit {
			return
		}
		used = g.Add("", start, end, n)
		ok = true
	})
	return used, ok
}

// Give returns n previously taken from the window of key. Giving to an
// expired window is a no-op.
func (c *Counters) Give(key string, now, start time.Time, n int64) int64 {
	var used int64
	c.Do(key, now, func(g *Group) {
		w, ok := g.windows[""]
		if !ok || !w.start.Equal(start) || w.count == 0 {
			return
		}
		used = g.Add("", start, w.end, -n)
	})
	return used
}

// Peek returns the current count of the window of key.
func (c *Counters) Peek(key string, now, start time.Time) int64 {
	var used int64
	c.Do(key, now, func(g *Group) {
		used = g.Count("", start)
	})
	return used
}

// Sweep removes groups that have not been used since before cutoff, are
// not locked out past now and hold no window ending after now. It returns
// the number of removed groups.
func (c *Counters) Sweep(now, cutoff time.Time) int {
	removed := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for key, g := range sh.groups {
			if g.touched.Before(cutoff) && !now.Before(g.lockedUntil) && !g.live(now) {
				delete(sh.groups, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of groups held.
func (c *Counters) Len() int {
	n := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		n += len(sh.groups)
		sh.mu.Unlock()
	}
	return n
}

// Package ratelimit provides fixed-window admission control per scope and
// key, with optional lockouts and short-term burst caps.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/rhuss/pforte/pkg/api"
	"github.com/rhuss/pforte/pkg/debug"
	"github.com/rhuss/pforte/pkg/observability"
)

// Decision describes the outcome of an admission check. For admitted
// requests the figures refer to the most constrained rule.
type Decision struct {
	Allowed    bool
	Scope      Scope
	Limit      int64
	Remaining  int64
	Reset      time.Time
	RetryAfter time.Duration
}

// DeniedError is returned when a request is not admitted. It wraps
// api.ErrRateLimitExceeded and carries the time until admission is
// possible again.
type DeniedError struct {
	Scope Scope
	Delay time.Duration
	// Locked is set when the key is serving a lockout.
	Locked bool
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: scope %s (retry after %s)", api.ErrRateLimitExceeded, e.Scope, e.Delay)
}

func (e *DeniedError) Unwrap() error { return api.ErrRateLimitExceeded }

// RetryAfter implements api.Retryable.
func (e *DeniedError) RetryAfter() time.Duration { return e.Delay }

// Limiter admits or denies requests per scope and key.
type Limiter struct {
	policies map[Scope]Policy
	counters *Counters
	clock    clock.Clock
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithCounters sets the counter store, allowing it to be shared.
func WithCounters(c *Counters) Option {
	return func(l *Limiter) { l.counters = c }
}

// New creates a Limiter enforcing the given policies.
func New(policies []Policy, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		policies: make(map[Scope]Policy, len(policies)),
		clock:    clock.New(),
	}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rate limit policy: %w", err)
		}
		l.policies[p.Scope] = p
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.counters == nil {
		l.counters = NewCounters()
	}
	return l, nil
}

// Admit checks and records one request for key under scope. A denied
// request is not counted by any rule of the scope. Scopes without a
// policy admit everything.
func (l *Limiter) Admit(ctx context.Context, scope Scope, key string) (Decision, error) {
	p, ok := l.policies[scope]
	if !ok {
		return Decision{Allowed: true, Scope: scope}, nil
	}

	now := l.clock.Now()
	dec := Decision{Scope: scope}
	var locked bool

	l.counters.Do(string(scope)+"|"+key, now, func(g *Group) {
		// A denial reports the longest of all applicable delays.
		deny := func(limit int64, reset time.Time) {
			if d := reset.Sub(now); d > dec.RetryAfter {
				dec.RetryAfter = d
				dec.Reset = reset
				dec.Limit = limit
			}
		}
		if until := g.LockedUntil(); now.Before(until) {
			locked = true
			deny(p.Rules[0].Limit, until)
		}

		starts := make([]time.Time, len(p.Rules))
		for i, r := range p.Rules {
			starts[i] = now.Truncate(r.Window)
			if g.Count(r.name(), starts[i])+1 <= r.Limit {
				continue
			}
			deny(r.Limit, starts[i].Add(r.Window))
			if r.Lockout > 0 && !locked {
				locked = true
				g.Lock(now.Add(r.Lockout))
				deny(r.Limit, now.Add(r.Lockout))
			}
		}
		if dec.RetryAfter > 0 {
			return
		}

		if p.Burst > 0 {
			first := p.Rules[0]
			b := g.Burst(func() *rate.Limiter {
				return rate.NewLimiter(rate.Limit(float64(first.Limit)/first.Window.Seconds()), p.Burst)
			})
			res := b.ReserveN(now, 1)
			if delay := res.DelayFrom(now); !res.OK() || delay > 0 {
				res.CancelAt(now)
				if delay <= 0 {
					delay = time.Second
				}
				dec.Limit = int64(p.Burst)
				dec.Reset = now.Add(delay)
				dec.RetryAfter = delay
				return
			}
		}

		dec.Allowed = true
		dec.Remaining = -1
		for i, r := range p.Rules {
			used := g.Add(r.name(), starts[i], starts[i].Add(r.Window), 1)
			remaining := r.Limit - used
			if dec.Remaining < 0 || remaining < dec.Remaining {
				dec.Remaining = remaining
				dec.Limit = r.Limit
				dec.Reset = starts[i].Add(r.Window)
			}
		}
	})

	if !dec.Allowed {
		// Denials always carry a positive delay.
		if dec.RetryAfter < time.Second {
			dec.RetryAfter = time.Second
		}
		observability.RateLimitRejectedTotal.WithLabelValues(string(scope)).Inc()
		debug.Log("ratelimit", "denied", "scope", string(scope), "key", key, "retry_after", dec.RetryAfter)
		return dec, &DeniedError{Scope: scope, Delay: dec.RetryAfter, Locked: locked}
	}
	return dec, nil
}

// Policy returns the policy configured for scope.
func (l *Limiter) Policy(scope Scope) (Policy, bool) {
	p, ok := l.policies[scope]
	return p, ok
}

// Run periodically removes idle counter groups until ctx is done. Groups
// idle longer than the longest configured window are dropped once all of
// their windows have ended, so windows of other users of the shared
// Counters survive their full length.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	var maxWindow time.Duration
	for _, p := range l.policies {
		for _, r := range p.Rules {
			maxWindow = max(maxWindow, r.Window, r.Lockout)
		}
	}

	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := l.clock.Now()
			if n := l.counters.Sweep(now, now.Add(-maxWindow)); n > 0 {
				slog.Debug("swept idle rate limit counters", "removed", n)
			}
		}
	}
}

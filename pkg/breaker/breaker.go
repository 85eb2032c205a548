// Package breaker guards calls to an external dependency with a circuit
// breaker: after repeated failures calls fail fast until a cooldown has
// passed, then a single trial call decides whether to close again.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rhuss/pforte/pkg/api"
	"github.com/rhuss/pforte/pkg/observability"
)

// Config holds the thresholds of a breaker.
type Config struct {
	// FailureThreshold consecutive failures within FailureWindow open the circuit.
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	// Cooldown is the first open period; it doubles on each re-open up to MaxCooldown.
	Cooldown    time.Duration `yaml:"cooldown"`
	MaxCooldown time.Duration `yaml:"max_cooldown"`
	// CallTimeout bounds each guarded call.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
		CallTimeout:      5 * time.Second,
	}
}

// Validate checks the config for consistency.
func (c Config) Validate() error {
	var errs []error
	if c.FailureThreshold < 1 {
		errs = append(errs, errors.New("failure_threshold must be at least 1"))
	}
	if c.FailureWindow <= 0 {
		errs = append(errs, errors.New("failure_window must be positive"))
	}
	if c.Cooldown <= 0 {
		errs = append(errs, errors.New("cooldown must be positive"))
	}
	if c.MaxCooldown < c.Cooldown {
		errs = append(errs, errors.New("max_cooldown must not be less than cooldown"))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("call_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// OpenError is returned when the circuit rejects a call without invoking
// the dependency. It wraps api.ErrCircuitOpen.
type OpenError struct {
	Target string
	Delay  time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %s (retry after %s)", api.ErrCircuitOpen, e.Target, e.Delay)
}

func (e *OpenError) Unwrap() error { return api.ErrCircuitOpen }

// RetryAfter implements api.Retryable.
func (e *OpenError) RetryAfter() time.Duration { return e.Delay }

// StateChangeFunc is called after every transition, outside the breaker's lock.
type StateChangeFunc func(target string, from, to State)

// Breaker guards a single target.
type Breaker struct {
	target    string
	cfg       Config
	clock     clock.Clock
	onChange  StateChangeFunc
	isHealthy func(error) bool

	mu sync.Mutex
	st status
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets the time source for cooldowns and failure windows.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithStateChange registers a transition hook.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// WithHealthyErrors sets the predicate for errors that prove the
// dependency is healthy. By default every authentication-family error
// (rejected credentials, unknown tenant) counts as a success: the
// dependency answered.
func WithHealthyErrors(fn func(error) bool) Option {
	return func(b *Breaker) { b.isHealthy = fn }
}

// New creates a closed breaker for target.
func New(target string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		target:    target,
		cfg:       cfg,
		clock:     clock.New(),
		isHealthy: api.IsAuthenticationError,
	}
	for _, opt := range opts {
		opt(b)
	}
	observability.CircuitState.WithLabelValues(target).Set(observability.CircuitClosedValue)
	return b
}

// Target returns the guarded target id.
func (b *Breaker) Target() string { return b.target }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.state
}

// Execute runs fn if the circuit admits it. fn receives a context bounded
// by CallTimeout; exceeding it yields api.ErrDownstreamTimeout and counts
// as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	now := b.clock.Now()

	b.mu.Lock()
	from := b.st.state
	next, ok, retry := allow(b.st, now, b.cfg)
	b.st = next
	gen := next.generation
	b.mu.Unlock()
	b.notify(from, next.state)

	if !ok {
		return &OpenError{Target: b.target, Delay: retry}
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)

	var result outcome
	switch {
	case err == nil:
		result = outcomeSuccess
	case ctx.Err() != nil:
		// The caller gave up; the dependency's health is unknown.
		result = outcomeIgnored
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%s: %w", b.target, api.ErrDownstreamTimeout)
		result = outcomeFailure
	case b.isHealthy(err):
		result = outcomeSuccess
	default:
		result = outcomeFailure
	}

	observability.DependencyLatency.WithLabelValues(b.target, outcomeLabel(result)).Observe(time.Since(start).Seconds())
	b.record(gen, result)
	return err
}

func (b *Breaker) record(gen uint64, result outcome) {
	now := b.clock.Now()

	b.mu.Lock()
	from := b.st.state
	if b.st.generation != gen {
		b.mu.Unlock()
		return
	}
	switch result {
	case outcomeSuccess:
		b.st = onSuccess(b.st)
	case outcomeFailure:
		b.st = onFailure(b.st, now, b.cfg)
	case outcomeIgnored:
		b.st = onIgnored(b.st)
	}
	to := b.st.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	switch to {
	case StateClosed:
		observability.CircuitState.WithLabelValues(b.target).Set(observability.CircuitClosedValue)
	case StateHalfOpen:
		observability.CircuitState.WithLabelValues(b.target).Set(observability.CircuitHalfOpenValue)
	case StateOpen:
		observability.CircuitState.WithLabelValues(b.target).Set(observability.CircuitOpenValue)
	}
	observability.CircuitTransitionsTotal.WithLabelValues(b.target, to.String()).Inc()
	slog.Info("circuit state changed", "target", b.target, "from", from.String(), "to", to.String())
	if b.onChange != nil {
		b.onChange(b.target, from, to)
	}
}

func outcomeLabel(o outcome) string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeFailure:
		return "failure"
	}
	return "ignored"
}

// Set holds one breaker per target.
type Set struct {
	cfg       Config
	overrides map[string]Config
	opts      []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet creates a Set. Breakers are created on first use with cfg, or
// with the override for their target.
func NewSet(cfg Config, overrides map[string]Config, opts ...Option) *Set {
	return &Set{
		cfg:       cfg,
		overrides: overrides,
		opts:      opts,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for target.
func (s *Set) Get(target string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[target]; ok {
		return b
	}
	cfg := s.cfg
	if o, ok := s.overrides[target]; ok {
		cfg = o
	}
	b := New(target, cfg, s.opts...)
	s.breakers[target] = b
	return b
}

// Execute runs fn through the breaker for target.
func (s *Set) Execute(ctx context.Context, target string, fn func(ctx context.Context) error) error {
	return s.Get(target).Execute(ctx, fn)
}

// States returns the current state of every known target.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for _, b := range breakers {
		out[b.target] = b.State()
	}
	return out
}

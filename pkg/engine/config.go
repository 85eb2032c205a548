package engine

import (
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rhuss/pforte/pkg/audit"
	"github.com/rhuss/pforte/pkg/credential"
	"github.com/rhuss/pforte/pkg/quota"
	"github.com/rhuss/pforte/pkg/ratelimit"
	"github.com/rhuss/pforte/pkg/tenant"
	"github.com/rhuss/pforte/pkg/token"
)

// DefaultPurgeInterval is how often Run deletes expired refresh chains.
const DefaultPurgeInterval = time.Hour

// Config holds configuration for the engine.
type Config struct {
	// PurgeInterval controls the expired chain cleanup in Run. Zero or
	// negative means DefaultPurgeInterval.
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

func (c Config) purgeInterval() time.Duration {
	if c.PurgeInterval <= 0 {
		return DefaultPurgeInterval
	}
	return c.PurgeInterval
}

// Deps are the components the engine drives. Audit may be nil.
type Deps struct {
	Limiter   *ratelimit.Limiter
	Validator credential.Validator
	Tokens    *token.Service
	Tenants   tenant.Lookup
	Quotas    *quota.Manager
	Audit     audit.Sink
}

func (d Deps) validate() error {
	var errs []error
	if d.Limiter == nil {
		errs = append(errs, errors.New("limiter must not be nil"))
	}
	if d.Validator == nil {
		errs = append(errs, errors.New("validator must not be nil"))
	}
	if d.Tokens == nil {
		errs = append(errs, errors.New("token service must not be nil"))
	}
	if d.Tenants == nil {
		errs = append(errs, errors.New("tenant lookup must not be nil"))
	}
	if d.Quotas == nil {
		errs = append(errs, errors.New("quota manager must not be nil"))
	}
	return errors.Join(errs...)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source for audit timestamps and Run.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Package quota enforces per-tenant resource limits over fixed windows.
//
// A consumption is an atomic check-and-increment: it either fits within
// the tenant's limit for the current window and is recorded, or it is
// refused and nothing changes.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rhuss/pforte/pkg/api"
	"github.com/rhuss/pforte/pkg/debug"
	"github.com/rhuss/pforte/pkg/observability"
	"github.com/rhuss/pforte/pkg/ratelimit"
	"github.com/rhuss/pforte/pkg/tenant"
)

// Resource names a metered resource.
type Resource string

const (
	// ResourceSessions counts successful logins.
	ResourceSessions Resource = "sessions"
	// ResourceAPIRequests counts authenticated API requests.
	ResourceAPIRequests Resource = "api_requests"
)

// SettingPrefix prefixes tenant settings that override a resource limit,
// e.g. "quota.sessions".
const SettingPrefix = "quota."

// legacySettings maps resources to older tenant setting names.
var legacySettings = map[Resource]string{
	ResourceAPIRequests: "api_rate_limit",
}

// Limit is the default allowance of a resource per window.
type Limit struct {
	Limit  int64         `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// DefaultLimits returns the built-in resource limits.
func DefaultLimits() map[Resource]Limit {
	return map[Resource]Limit{
		ResourceSessions:    {Limit: 10_000, Window: 24 * time.Hour},
		ResourceAPIRequests: {Limit: 1_000_000, Window: 24 * time.Hour},
	}
}

// Record is the accounting state of one tenant and resource in the
// current window.
type Record struct {
	TenantID    string    `json:"tenant_id"`
	Resource    Resource  `json:"resource"`
	Limit       int64     `json:"limit"`
	Used        int64     `json:"used"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// Remaining returns the unused allowance.
func (r Record) Remaining() int64 {
	return max(r.Limit-r.Used, 0)
}

// ErrUnknownResource is returned for resources without a configured limit.
var ErrUnknownResource = errors.New("unknown quota resource")

// Manager meters resources per tenant.
type Manager struct {
	tenants  tenant.Lookup
	counters *ratelimit.Counters
	limits   map[Resource]Limit
	clock    clock.Clock
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithCounters sets the counter store.
func WithCounters(c *ratelimit.Counters) Option {
	return func(m *Manager) { m.counters = c }
}

// NewManager creates a Manager with the given default limits.
func NewManager(tenants tenant.Lookup, limits map[Resource]Limit, opts ...Option) (*Manager, error) {
	for res, l := range limits {
		if l.Limit < 0 {
			return nil, fmt.Errorf("quota %s: limit must not be negative", res)
		}
		if l.Window <= 0 {
			return nil, fmt.Errorf("quota %s: window must be positive", res)
		}
	}
	m := &Manager{
		tenants: tenants,
		limits:  limits,
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.counters == nil {
		m.counters = ratelimit.NewCounters()
	}
	return m, nil
}

// Consume records amount units of resource for tenantID if they fit within
// the tenant's limit. A refused consumption wraps api.ErrQuotaExceeded,
// carries the time until the window resets, and changes nothing.
func (m *Manager) Consume(ctx context.Context, tenantID string, res Resource, amount int64) (Record, error) {
	if amount <= 0 {
		return Record{}, fmt.Errorf("quota %s: amount must be positive, got %d", res, amount)
	}
	t, err := tenant.RequireActive(ctx, m.tenants, tenantID)
	if err != nil {
		return Record{}, err
	}
	rec, err := m.record(t, res)
	if err != nil {
		return Record{}, err
	}

	used, ok := m.counters.Take(key(tenantID, res), m.clock.Now(), rec.WindowStart, rec.WindowEnd, rec.Limit, amount)
	rec.Used = used
	if !ok {
		observability.QuotaDeniedTotal.WithLabelValues(string(res)).Inc()
		debug.Log("quota", "denied", "tenant_id", tenantID, "resource", string(res), "used", used, "limit", rec.Limit)
		return rec, api.NewRetryableError(
			fmt.Errorf("tenant %s resource %s: %w", tenantID, res, api.ErrQuotaExceeded),
			rec.WindowEnd.Sub(m.clock.Now()),
		)
	}
	return rec, nil
}

// Release returns amount units taken by an earlier Consume that produced
// rec. Releasing after the window has rolled over has no effect.
func (m *Manager) Release(_ context.Context, rec Record, amount int64) {
	if amount <= 0 {
		return
	}
	m.counters.Give(key(rec.TenantID, rec.Resource), m.clock.Now(), rec.WindowStart, amount)
	debug.Log("quota", "released", "tenant_id", rec.TenantID, "resource", string(rec.Resource), "amount", amount)
}

// Usage returns the current record without consuming anything.
func (m *Manager) Usage(ctx context.Context, tenantID string, res Resource) (Record, error) {
	t, err := m.tenants.Lookup(ctx, tenantID)
	if err != nil {
		return Record{}, err
	}
	rec, err := m.record(t, res)
	if err != nil {
		return Record{}, err
	}
	rec.Used = m.counters.Peek(key(tenantID, res), m.clock.Now(), rec.WindowStart)
	return rec, nil
}

func (m *Manager) record(t *tenant.Tenant, res Resource) (Record, error) {
	l, ok := m.limits[res]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownResource, res)
	}
	if n, ok := t.IntSetting(SettingPrefix + string(res)); ok {
		l.Limit = n
	} else if legacy, ok := legacySettings[res]; ok {
		if n, ok := t.IntSetting(legacy); ok {
			l.Limit = n
		}
	}

	start := m.clock.Now().Truncate(l.Window)
	return Record{
		TenantID:    t.ID,
		Resource:    res,
		Limit:       l.Limit,
		WindowStart: start,
		WindowEnd:   start.Add(l.Window),
	}, nil
}

func key(tenantID string, res Resource) string {
	return "quota|" + tenantID + "|" + string(res)
}

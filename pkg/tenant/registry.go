package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/rhuss/pforte/pkg/api"
	"github.com/rhuss/pforte/pkg/debug"
	"github.com/rhuss/pforte/pkg/observability"
)

// DefaultTTL bounds how long a cached tenant status may be served when no
// change event arrives.
const DefaultTTL = 5 * time.Minute

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source used for cache expiry.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithTTL sets the cache entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

type entry struct {
	tenant  *Tenant
	expires time.Time
}

type domainEntry struct {
	id      string
	expires time.Time
}

// Registry serves tenant records from a TTL cache backed by a Store.
// Concurrent misses for the same tenant share a single Store read.
type Registry struct {
	store  Store
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]entry
	domains map[string]domainEntry
	// epochs counts invalidations per tenant id. A load only populates the
	// cache if the epoch it started under is still current.
	epochs map[string]uint64
}

// NewRegistry creates a Registry reading from store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		clock:   clock.New(),
		ttl:     DefaultTTL,
		logger:  slog.Default(),
		entries: make(map[string]entry),
		domains: make(map[string]domainEntry),
		epochs:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup returns the tenant with the given id. Unknown ids yield an error
// wrapping api.ErrTenantNotFound.
func (r *Registry) Lookup(ctx context.Context, id string) (*Tenant, error) {
	if id == "" {
		return nil, fmt.Errorf("empty tenant id: %w", api.ErrTenantNotFound)
	}

	now := r.clock.Now()
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok && now.Before(e.expires) {
		observability.TenantCacheTotal.WithLabelValues("hit").Inc()
		return e.tenant.Clone(), nil
	}
	observability.TenantCacheTotal.WithLabelValues("miss").Inc()

	v, err, shared := r.group.Do(id, func() (any, error) {
		return r.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	debug.Log("tenant", "loaded tenant", "tenant_id", id, "shared", shared)
	return v.(*Tenant).Clone(), nil
}

// load reads id from the store and caches it unless an invalidation
// happened while the read was in flight.
func (r *Registry) load(ctx context.Context, id string) (*Tenant, error) {
	r.mu.RLock()
	epoch := r.epochs[id]
	r.mu.RUnlock()

	// The read is shared with other callers; one caller's cancellation must
	// not fail the rest.
	t, err := r.store.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		if errors.Is(err, api.ErrTenantNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("loading tenant %s: %w", id, err)
	}

	r.mu.Lock()
	if r.epochs[id] == epoch {
		r.entries[id] = entry{tenant: t.Clone(), expires: r.clock.Now().Add(r.ttl)}
	} else {
		debug.Log("tenant", "discarding stale load", "tenant_id", id)
	}
	r.mu.Unlock()
	return t, nil
}

// Resolve returns the current status of tenant id.
func (r *Registry) Resolve(ctx context.Context, id string) (Status, error) {
	t, err := r.Lookup(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// RequireActive returns the tenant if it is active, or an error wrapping
// api.ErrTenantInactive.
func (r *Registry) RequireActive(ctx context.Context, id string) (*Tenant, error) {
	return RequireActive(ctx, r, id)
}

// RequireActive looks up id through l and rejects non-active tenants.
func RequireActive(ctx context.Context, l Lookup, id string) (*Tenant, error) {
	t, err := l.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Active() {
		return nil, fmt.Errorf("tenant %s is %s: %w", id, t.Status, api.ErrTenantInactive)
	}
	return t, nil
}

// ResolveDomain returns the tenant serving the given host name.
func (r *Registry) ResolveDomain(ctx context.Context, host string) (*Tenant, error) {
	domain := NormalizeDomain(host)
	if domain == "" {
		return nil, fmt.Errorf("empty domain: %w", api.ErrTenantNotFound)
	}

	now := r.clock.Now()
	r.mu.RLock()
	d, ok := r.domains[domain]
	r.mu.RUnlock()
	if ok && now.Before(d.expires) {
		return r.Lookup(ctx, d.id)
	}

	v, err, _ := r.group.Do("domain:"+domain, func() (any, error) {
		t, err := r.store.GetByDomain(context.WithoutCancel(ctx), domain)
		if err != nil {
			if errors.Is(err, api.ErrTenantNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("resolving domain %s: %w", domain, err)
		}
		r.mu.Lock()
		r.domains[domain] = domainEntry{id: t.ID, expires: r.clock.Now().Add(r.ttl)}
		r.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	// Status is always served through the id cache so invalidation applies.
	return r.Lookup(ctx, v.(*Tenant).ID)
}

// Invalidate drops the cached record for id. Loads already in flight will
// not repopulate the cache with what they read.
func (r *Registry) Invalidate(id string) {
	r.mu.Lock()
	r.epochs[id]++
	delete(r.entries, id)
	for domain, d := range r.domains {
		if d.id == id {
			delete(r.domains, domain)
		}
	}
	r.mu.Unlock()
	r.group.Forget(id)
	debug.Log("tenant", "invalidated", "tenant_id", id)
}

// Watch invalidates cache entries for every change received on changes
// until ctx is done or the channel is closed.
func (r *Registry) Watch(ctx context.Context, changes <-chan Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			r.logger.Info("tenant changed", "tenant_id", c.TenantID, "status", string(c.Status))
			r.Invalidate(c.TenantID)
		}
	}
}

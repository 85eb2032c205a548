// Package memory provides in-memory implementations of tenant.Store and
// token.ChainStore for tests and single-instance deployments. Data is lost
// when the process restarts.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rhuss/pforte/pkg/api"
	"github.com/rhuss/pforte/pkg/storage"
	"github.com/rhuss/pforte/pkg/tenant"
)

// TenantStore is a map-backed tenant table. Status changes are published
// to subscribers so a tenant.Registry can invalidate its cache.
type TenantStore struct {
	mu      sync.RWMutex
	tenants map[string]*tenant.Tenant
	subs    []chan tenant.Change
}

// Ensure TenantStore implements tenant.Store at compile time.
var _ tenant.Store = (*TenantStore)(nil)

// NewTenantStore creates a store seeded with tenants.
func NewTenantStore(tenants ...*tenant.Tenant) *TenantStore {
	s := &TenantStore{tenants: make(map[string]*tenant.Tenant)}
	for _, t := range tenants {
		s.tenants[t.ID] = normalize(t)
	}
	return s
}

// Get returns the tenant with the given id.
func (s *TenantStore) Get(_ context.Context, id string) (*tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", id, api.ErrTenantNotFound)
	}
	return t.Clone(), nil
}

// GetByDomain returns the tenant serving domain.
func (s *TenantStore) GetByDomain(_ context.Context, domain string) (*tenant.Tenant, error) {
	domain = tenant.NormalizeDomain(domain)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tenants {
		if t.Domain != "" && t.Domain == domain {
			return t.Clone(), nil
		}
	}
	return nil, fmt.Errorf("domain %s: %w", domain, api.ErrTenantNotFound)
}

// Create adds a tenant. It fails with storage.ErrConflict if the id is taken.
func (s *TenantStore) Create(_ context.Context, t *tenant.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tenants[t.ID]; exists {
		return fmt.Errorf("tenant %s: %w", t.ID, storage.ErrConflict)
	}
	s.tenants[t.ID] = normalize(t)
	return nil
}

// Put inserts or replaces a tenant and publishes the change.
func (s *TenantStore) Put(_ context.Context, t *tenant.Tenant) error {
	if !t.Status.Valid() {
		return fmt.Errorf("tenant %s: invalid status %q", t.ID, t.Status)
	}
	s.mu.Lock()
	s.tenants[t.ID] = normalize(t)
	s.mu.Unlock()

	s.publish(tenant.Change{TenantID: t.ID, Status: t.Status})
	return nil
}

// SetStatus changes the status of tenant id and publishes the change.
func (s *TenantStore) SetStatus(_ context.Context, id string, status tenant.Status) error {
	if !status.Valid() {
		return fmt.Errorf("tenant %s: invalid status %q", id, status)
	}

	s.mu.Lock()
	t, ok := s.tenants[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("tenant %s: %w", id, api.ErrTenantNotFound)
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.publish(tenant.Change{TenantID: id, Status: status})
	return nil
}

// Changes returns a channel receiving every subsequent status change.
// The channel is closed when ctx is done. Changes are dropped for a
// subscriber whose buffer is full; the registry TTL bounds the staleness.
func (s *TenantStore) Changes(ctx context.Context) <-chan tenant.Change {
	ch := make(chan tenant.Change, 64)

	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (s *TenantStore) publish(c tenant.Change) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// HealthCheck always returns nil for the in-memory store.
func (s *TenantStore) HealthCheck(_ context.Context) error {
	return nil
}

func normalize(t *tenant.Tenant) *tenant.Tenant {
	c := t.Clone()
	c.Domain = tenant.NormalizeDomain(c.Domain)
	if c.Status == "" {
		c.Status = tenant.StatusActive
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	return c
}

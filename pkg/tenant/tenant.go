// Package tenant provides the tenant registry: a cached, read-only view
// of tenant records and their status, with proactive invalidation when a
// tenant's status changes.
package tenant

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusInactive  Status = "inactive"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusInactive:
		return true
	}
	return false
}

// Tenant is an isolated customer organization. The core never mutates
// tenants; they are read from a Store.
type Tenant struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name,omitempty" yaml:"name"`
	Domain    string            `json:"domain,omitempty" yaml:"domain"`
	Status    Status            `json:"status" yaml:"status"`
	Settings  map[string]string `json:"settings,omitempty" yaml:"settings"`
	UpdatedAt time.Time         `json:"updated_at" yaml:"-"`
}

// Active reports whether the tenant may authenticate and receive tokens.
func (t *Tenant) Active() bool {
	return t != nil && t.Status == StatusActive
}

// Setting returns a tenant setting.
func (t *Tenant) Setting(key string) (string, bool) {
	if t == nil || t.Settings == nil {
		return "", false
	}
	v, ok := t.Settings[key]
	return v, ok
}

// IntSetting returns a tenant setting parsed as a non-negative integer.
func (t *Tenant) IntSetting(key string) (int64, bool) {
	v, ok := t.Setting(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Clone returns a deep copy so cached records cannot be mutated by callers.
func (t *Tenant) Clone() *Tenant {
	if t == nil {
		return nil
	}
	c := *t
	if t.Settings != nil {
		c.Settings = make(map[string]string, len(t.Settings))
		for k, v := range t.Settings {
			c.Settings[k] = v
		}
	}
	return &c
}

// Store is the source of truth for tenant records. Implementations return
// an error wrapping api.ErrTenantNotFound for unknown ids or domains.
type Store interface {
	Get(ctx context.Context, id string) (*Tenant, error)
	GetByDomain(ctx context.Context, domain string) (*Tenant, error)
}

// Change announces that a tenant record was modified.
type Change struct {
	TenantID string
	Status   Status
}

// Lookup is the read interface the rest of the core depends on.
type Lookup interface {
	Lookup(ctx context.Context, id string) (*Tenant, error)
}

// NormalizeDomain lowercases a host name and strips any port.
func NormalizeDomain(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if strings.HasPrefix(host, "[") {
		if i := strings.Index(host, "]"); i > 0 {
			return host[:i+1]
		}
		return host
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}

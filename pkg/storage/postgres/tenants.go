package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/pforte/pkg/api"
	"github.com/rhuss/pforte/pkg/storage"
	"github.com/rhuss/pforte/pkg/tenant"
)

// TenantStore reads and writes the tenants table.
type TenantStore struct {
	pool *pgxpool.Pool
}

// Ensure TenantStore implements tenant.Store at compile time.
var _ tenant.Store = (*TenantStore)(nil)

const tenantColumns = `id, name, domain, status, settings, updated_at`

// Get returns the tenant with the given id.
func (s *TenantStore) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s: %w", id, api.ErrTenantNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant %s: %w", id, err)
	}
	return t, nil
}

// GetByDomain returns the tenant serving domain.
func (s *TenantStore) GetByDomain(ctx context.Context, domain string) (*tenant.Tenant, error) {
	domain = tenant.NormalizeDomain(domain)
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE domain = $1`, domain)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("domain %s: %w", domain, api.ErrTenantNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying domain %s: %w", domain, err)
	}
	return t, nil
}

// Create inserts a tenant. It fails with storage.ErrConflict if the id or
// domain is taken.
func (s *TenantStore) Create(ctx context.Context, t *tenant.Tenant) error {
	status := t.Status
	if status == "" {
		status = tenant.StatusActive
	}
	settings := t.Settings
	if settings == nil {
		settings = map[string]string{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, domain, status, settings)
		VALUES ($1, $2, $3, $4, $5)
	`, t.ID, t.Name, nullString(tenant.NormalizeDomain(t.Domain)), string(status), settings)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("tenant %s: %w", t.ID, storage.ErrConflict)
		}
		return fmt.Errorf("inserting tenant: %w", err)
	}
	return nil
}

// SetStatus updates the status of tenant id. The table trigger notifies
// listeners on tenant_status_changed.
func (s *TenantStore) SetStatus(ctx context.Context, id string, status tenant.Status) error {
	if !status.Valid() {
		return fmt.Errorf("tenant %s: invalid status %q", id, status)
	}
	result, err := s.pool.Exec(ctx,
		`UPDATE tenants SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("updating tenant %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("tenant %s: %w", id, api.ErrTenantNotFound)
	}
	return nil
}

func scanTenant(row pgx.Row) (*tenant.Tenant, error) {
	var (
		t      tenant.Tenant
		domain *string
		status string
	)
	if err := row.Scan(&t.ID, &t.Name, &domain, &status, &t.Settings, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if domain != nil {
		t.Domain = *domain
	}
	t.Status = tenant.Status(status)
	return &t, nil
}

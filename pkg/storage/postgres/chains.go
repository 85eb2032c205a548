package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/pforte/pkg/storage"
	"github.com/rhuss/pforte/pkg/token"
)

// ChainStore reads and writes the refresh_chains table.
type ChainStore struct {
	pool *pgxpool.Pool
}

// Ensure ChainStore implements token.ChainStore at compile time.
var _ token.ChainStore = (*ChainStore)(nil)

// Create inserts a new chain.
func (s *ChainStore) Create(ctx context.Context, c *token.Chain) error {
	roles := c.Roles
	if roles == nil {
		roles = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_chains (id, tenant_id, subject, roles, generation, revoked, issued_at, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.TenantID, c.Subject, roles, int64(c.Generation), c.Revoked, c.IssuedAt, c.Deadline)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("chain %s: %w", c.ID, storage.ErrConflict)
		}
		return fmt.Errorf("inserting chain: %w", err)
	}
	return nil
}

// Get returns chain id.
func (s *ChainStore) Get(ctx context.Context, id string) (*token.Chain, error) {
	var (
		c         token.Chain
		gen       int64
		rotatedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, subject, roles, generation, revoked, issued_at, deadline, rotated_at
		FROM refresh_chains WHERE id = $1
	`, id).Scan(&c.ID, &c.TenantID, &c.Subject, &c.Roles, &gen, &c.Revoked, &c.IssuedAt, &c.Deadline, &rotatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("chain %s: %w", id, token.ErrChainNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying chain %s: %w", id, err)
	}
	c.Generation = uint64(gen)
	if rotatedAt != nil {
		c.RotatedAt = *rotatedAt
	}
	return &c, nil
}

// Advance moves chain id from generation from to from+1 in a single
// conditional UPDATE.
func (s *ChainStore) Advance(ctx context.Context, id string, from uint64, at time.Time) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE refresh_chains
		SET generation = generation + 1, rotated_at = $3
		WHERE id = $1 AND generation = $2 AND NOT revoked
	`, id, int64(from), at)
	if err != nil {
		return fmt.Errorf("advancing chain %s: %w", id, err)
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	// Nothing matched: find out why.
	var revoked bool
	err = s.pool.QueryRow(ctx, `SELECT revoked FROM refresh_chains WHERE id = $1`, id).Scan(&revoked)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("chain %s: %w", id, token.ErrChainNotFound)
	case err != nil:
		return fmt.Errorf("querying chain %s: %w", id, err)
	case revoked:
		return token.ErrChainRevoked
	}
	return token.ErrStaleGeneration
}

// Revoke marks chain id as revoked.
func (s *ChainStore) Revoke(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `UPDATE refresh_chains SET revoked = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoking chain %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("chain %s: %w", id, token.ErrChainNotFound)
	}
	return nil
}

// RevokeSubject revokes every live chain of subject in tenantID.
func (s *ChainStore) RevokeSubject(ctx context.Context, tenantID, subject string) (int, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE refresh_chains SET revoked = true
		WHERE tenant_id = $1 AND subject = $2 AND NOT revoked
	`, tenantID, subject)
	if err != nil {
		return 0, fmt.Errorf("revoking chains of %s: %w", subject, err)
	}
	return int(result.RowsAffected()), nil
}

// DeleteExpired removes chains whose deadline is before cutoff.
func (s *ChainStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM refresh_chains WHERE deadline < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired chains: %w", err)
	}
	return int(result.RowsAffected()), nil
}

package token

import (
	"context"
	"errors"
	"time"
)

// Chain store errors.
var (
	// ErrChainNotFound is returned for unknown chain ids.
	ErrChainNotFound = errors.New("refresh chain not found")

	// ErrStaleGeneration is returned by Advance when the chain has already
	// moved past the expected generation.
	ErrStaleGeneration = errors.New("refresh chain generation superseded")

	// ErrChainRevoked is returned by Advance for revoked chains.
	ErrChainRevoked = errors.New("refresh chain revoked")
)

// Chain is the server-side record of a refresh token family. All refresh
// tokens of a login share a chain; each rotation advances Generation.
type Chain struct {
	ID         string
	Subject    string
	TenantID   string
	Roles      []string
	IssuedAt   time.Time
	Deadline   time.Time
	Generation uint64
	Revoked    bool
	RotatedAt  time.Time
}

// Expired reports whether the chain's absolute deadline has passed.
func (c *Chain) Expired(now time.Time) bool {
	return !now.Before(c.Deadline)
}

// ChainStore persists refresh chains. Advance must be an atomic
// compare-and-swap on the generation: of any number of concurrent calls
// with the same from value, at most one succeeds.
type ChainStore interface {
	Create(ctx context.Context, c *Chain) error
	Get(ctx context.Context, id string) (*Chain, error)
	// Advance moves chain id from generation from to from+1.
	Advance(ctx context.Context, id string, from uint64, at time.Time) error
	Revoke(ctx context.Context, id string) error
	// RevokeSubject revokes every chain of subject in tenant and returns
	// how many were revoked.
	RevokeSubject(ctx context.Context, tenantID, subject string) (int, error)
	// DeleteExpired removes chains whose deadline is before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

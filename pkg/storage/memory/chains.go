package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rhuss/pforte/pkg/storage"
	"github.com/rhuss/pforte/pkg/token"
)

// revokedBit marks a revoked chain in link.state. The remaining bits hold
// the generation, so revocation and rotation race on one word.
const revokedBit = uint64(1) << 63

// link is one chain in the arena. The immutable fields are set at
// creation; generation and revocation are updated lock-free.
type link struct {
	id       string
	subject  string
	tenantID string
	roles    []string
	issuedAt time.Time
	deadline time.Time

	state     atomic.Uint64 // generation | revokedBit
	rotatedAt atomic.Int64  // unix nanoseconds, 0 if never rotated
}

// revoke sets the revoked bit and reports whether this call set it.
func (l *link) revoke() bool {
	for {
		old := l.state.Load()
		if old&revokedBit != 0 {
			return false
		}
		if l.state.CompareAndSwap(old, old|revokedBit) {
			return true
		}
	}
}

func (l *link) snapshot() *token.Chain {
	st := l.state.Load()
	c := &token.Chain{
		ID:         l.id,
		Subject:    l.subject,
		TenantID:   l.tenantID,
		Roles:      append([]string(nil), l.roles...),
		IssuedAt:   l.issuedAt,
		Deadline:   l.deadline,
		Generation: st &^ revokedBit,
		Revoked:    st&revokedBit != 0,
	}
	if ns := l.rotatedAt.Load(); ns != 0 {
		c.RotatedAt = time.Unix(0, ns)
	}
	return c
}

// ChainStore is an arena of refresh chains. The map lock only guards
// insertion and removal; rotation is a compare-and-swap on the chain's
// generation.
type ChainStore struct {
	mu     sync.RWMutex
	chains map[string]*link
}

// Ensure ChainStore implements token.ChainStore at compile time.
var _ token.ChainStore = (*ChainStore)(nil)

// NewChainStore creates an empty chain arena.
func NewChainStore() *ChainStore {
	return &ChainStore{chains: make(map[string]*link)}
}

// Create stores a new chain.
func (s *ChainStore) Create(_ context.Context, c *token.Chain) error {
	l := &link{
		id:       c.ID,
		subject:  c.Subject,
		tenantID: c.TenantID,
		roles:    append([]string(nil), c.Roles...),
		issuedAt: c.IssuedAt,
		deadline: c.Deadline,
	}
	st := c.Generation
	if c.Revoked {
		st |= revokedBit
	}
	l.state.Store(st)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.chains[c.ID]; exists {
		return fmt.Errorf("chain %s: %w", c.ID, storage.ErrConflict)
	}
	s.chains[c.ID] = l
	return nil
}

// Get returns a snapshot of chain id.
func (s *ChainStore) Get(_ context.Context, id string) (*token.Chain, error) {
	l, err := s.link(id)
	if err != nil {
		return nil, err
	}
	return l.snapshot(), nil
}

// Advance moves chain id from generation from to from+1. The swap fails
// if the chain was revoked, even concurrently.
func (s *ChainStore) Advance(_ context.Context, id string, from uint64, at time.Time) error {
	l, err := s.link(id)
	if err != nil {
		return err
	}
	if !l.state.CompareAndSwap(from, from+1) {
		if l.state.Load()&revokedBit != 0 {
			return token.ErrChainRevoked
		}
		return token.ErrStaleGeneration
	}
	l.rotatedAt.Store(at.UnixNano())
	return nil
}

// Revoke marks chain id as revoked.
func (s *ChainStore) Revoke(_ context.Context, id string) error {
	l, err := s.link(id)
	if err != nil {
		return err
	}
	l.revoke()
	return nil
}

// RevokeSubject revokes every live chain of subject in tenantID.
func (s *ChainStore) RevokeSubject(_ context.Context, tenantID, subject string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, l := range s.chains {
		if l.tenantID == tenantID && l.subject == subject && l.revoke() {
			n++
		}
	}
	return n, nil
}

// DeleteExpired removes chains whose deadline is before cutoff.
func (s *ChainStore) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, l := range s.chains {
		if l.deadline.Before(cutoff) {
			delete(s.chains, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored chains.
func (s *ChainStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chains)
}

func (s *ChainStore) link(id string) (*link, error) {
	s.mu.RLock()
	l, ok := s.chains[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chain %s: %w", id, token.ErrChainNotFound)
	}
	return l, nil
}

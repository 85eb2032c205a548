package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rhuss/pforte/pkg/api"
	"github.com/rhuss/pforte/pkg/storage"
	"github.com/rhuss/pforte/pkg/tenant"
	"github.com/rhuss/pforte/pkg/token"
)

func makeChain(id string) *token.Chain {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &token.Chain{
		ID:         id,
		Subject:    "alice",
		TenantID:   "acme",
		Roles:      []string{"user"},
		IssuedAt:   now,
		Deadline:   now.Add(7 * 24 * time.Hour),
		Generation: 1,
	}
}

func TestTenantGetAndDomain(t *testing.T) {
	s := NewTenantStore(&tenant.Tenant{ID: "acme", Domain: "Acme.Example.com:443"})
	ctx := context.Background()

	got, err := s.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != tenant.StatusActive {
		t.Errorf("Status = %q, want %q", got.Status, tenant.StatusActive)
	}
	if got.Domain != "acme.example.com" {
		t.Errorf("Domain = %q, want normalized", got.Domain)
	}

	byDomain, err := s.GetByDomain(ctx, "ACME.example.com")
	if err != nil {
		t.Fatalf("GetByDomain failed: %v", err)
	}
	if byDomain.ID != "acme" {
		t.Errorf("ID = %q, want acme", byDomain.ID)
	}

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, api.ErrTenantNotFound) {
		t.Errorf("Get unknown: err = %v, want ErrTenantNotFound", err)
	}
	if _, err := s.GetByDomain(ctx, "nope.example.com"); !errors.Is(err, api.ErrTenantNotFound) {
		t.Errorf("GetByDomain unknown: err = %v, want ErrTenantNotFound", err)
	}
}

func TestTenantCreateConflict(t *testing.T) {
	s := NewTenantStore()
	ctx := context.Background()

	if err := s.Create(ctx, &tenant.Tenant{ID: "acme"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Create(ctx, &tenant.Tenant{ID: "acme"}); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("second Create: err = %v, want ErrConflict", err)
	}
}

func TestTenantGetReturnsCopy(t *testing.T) {
	s := NewTenantStore(&tenant.Tenant{ID: "acme", Settings: map[string]string{"k": "v"}})
	ctx := context.Background()

	got, _ := s.Get(ctx, "acme")
	got.Settings["k"] = "changed"
	got.Status = tenant.StatusSuspended

	again, _ := s.Get(ctx, "acme")
	if again.Settings["k"] != "v" || again.Status != tenant.StatusActive {
		t.Errorf("stored tenant was mutated through a returned copy: %+v", again)
	}
}

func TestTenantSetStatusPublishes(t *testing.T) {
	s := NewTenantStore(&tenant.Tenant{ID: "acme"})
	ctx, cancel := context.WithCancel(context.Background())
	changes := s.Changes(ctx)

	if err := s.SetStatus(ctx, "acme", tenant.StatusSuspended); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	select {
	case c := <-changes:
		if c.TenantID != "acme" || c.Status != tenant.StatusSuspended {
			t.Errorf("change = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no change published")
	}

	if err := s.SetStatus(ctx, "acme", "bogus"); err == nil {
		t.Error("expected error for invalid status")
	}
	if err := s.SetStatus(ctx, "nope", tenant.StatusActive); !errors.Is(err, api.ErrTenantNotFound) {
		t.Errorf("err = %v, want ErrTenantNotFound", err)
	}

	cancel()
	select {
	case _, ok := <-changes:
		if ok {
			t.Error("unexpected change after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("changes channel not closed after cancel")
	}
}

func TestChainCreateGet(t *testing.T) {
	s := NewChainStore()
	ctx := context.Background()

	if err := s.Create(ctx, makeChain("c1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Create(ctx, makeChain("c1")); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("duplicate Create: err = %v, want ErrConflict", err)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Generation != 1 || got.Subject != "alice" || got.Revoked {
		t.Errorf("chain = %+v", got)
	}
	if !got.RotatedAt.IsZero() {
		t.Errorf("RotatedAt = %v, want zero", got.RotatedAt)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, token.ErrChainNotFound) {
		t.Errorf("err = %v, want ErrChainNotFound", err)
	}
}

func TestChainAdvance(t *testing.T) {
	s := NewChainStore()
	ctx := context.Background()
	_ = s.Create(ctx, makeChain("c1"))
	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

	if err := s.Advance(ctx, "c1", 1, at); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := s.Advance(ctx, "c1", 1, at); !errors.Is(err, token.ErrStaleGeneration) {
		t.Errorf("stale Advance: err = %v, want ErrStaleGeneration", err)
	}

	got, _ := s.Get(ctx, "c1")
	if got.Generation != 2 {
		t.Errorf("Generation = %d, want 2", got.Generation)
	}
	if !got.RotatedAt.Equal(at) {
		t.Errorf("RotatedAt = %v, want %v", got.RotatedAt, at)
	}

	if err := s.Revoke(ctx, "c1"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if err := s.Advance(ctx, "c1", 2, at); !errors.Is(err, token.ErrChainRevoked) {
		t.Errorf("Advance revoked: err = %v, want ErrChainRevoked", err)
	}
	if err := s.Advance(ctx, "missing", 1, at); !errors.Is(err, token.ErrChainNotFound) {
		t.Errorf("Advance missing: err = %v, want ErrChainNotFound", err)
	}
}

func TestChainAdvanceSingleWinner(t *testing.T) {
	s := NewChainStore()
	ctx := context.Background()
	_ = s.Create(ctx, makeChain("c1"))

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if s.Advance(ctx, "c1", 1, time.Now()) == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("winners = %d, want 1", got)
	}
}

func TestChainRevokeStopsConcurrentAdvance(t *testing.T) {
	ctx := context.Background()

	for i := range 200 {
		s := NewChainStore()
		id := fmt.Sprintf("c%d", i)
		_ = s.Create(ctx, makeChain(id))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, err := s.Get(ctx, id)
				if err != nil {
					t.Errorf("Get: %v", err)
					return
				}
				if err := s.Advance(ctx, id, c.Generation, time.Now()); errors.Is(err, token.ErrChainRevoked) {
					return
				}
			}
		}()

		if err := s.Revoke(ctx, id); err != nil {
			t.Fatalf("Revoke: %v", err)
		}
		atRevoke, _ := s.Get(ctx, id)
		wg.Wait()

		final, _ := s.Get(ctx, id)
		if !final.Revoked || final.Generation != atRevoke.Generation {
			t.Fatalf("chain advanced after revocation: generation %d at revoke, %d after", atRevoke.Generation, final.Generation)
		}
	}
}

func TestChainRevokeSubject(t *testing.T) {
	s := NewChainStore()
	ctx := context.Background()

	a, b, other := makeChain("a"), makeChain("b"), makeChain("other")
	other.Subject = "bob"
	for _, c := range []*token.Chain{a, b, other} {
		_ = s.Create(ctx, c)
	}

	n, err := s.RevokeSubject(ctx, "acme", "alice")
	if err != nil {
		t.Fatalf("RevokeSubject failed: %v", err)
	}
	if n != 2 {
		t.Errorf("revoked = %d, want 2", n)
	}
	if got, _ := s.Get(ctx, "other"); got.Revoked {
		t.Error("chain of another subject was revoked")
	}

	n, _ = s.RevokeSubject(ctx, "acme", "alice")
	if n != 0 {
		t.Errorf("second RevokeSubject = %d, want 0", n)
	}
}

func TestChainDeleteExpired(t *testing.T) {
	s := NewChainStore()
	ctx := context.Background()

	old := makeChain("old")
	old.Deadline = old.IssuedAt.Add(time.Hour)
	_ = s.Create(ctx, old)
	_ = s.Create(ctx, makeChain("live"))

	n, err := s.DeleteExpired(ctx, old.IssuedAt.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if n != 1 || s.Len() != 1 {
		t.Errorf("deleted = %d, remaining = %d; want 1, 1", n, s.Len())
	}
	if _, err := s.Get(ctx, "live"); err != nil {
		t.Errorf("live chain gone: %v", err)
	}
}

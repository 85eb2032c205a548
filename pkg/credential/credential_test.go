package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rhuss/pforte/pkg/api"
	"github.com/rhuss/pforte/pkg/breaker"
)

func TestGuardPassesThrough(t *testing.T) {
	cb := breaker.New("guard-pass", breaker.DefaultConfig())
	v := Guard(ValidatorFunc(func(_ context.Context, c Credentials) (*Identity, error) {
		return &Identity{Subject: c.Username, TenantID: c.TenantID}, nil
	}), cb)

	id, err := v.Validate(context.Background(), Credentials{TenantID: "acme", Username: "alice", Password: "x"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if id.Subject != "alice" || id.TenantID != "acme" {
		t.Errorf("identity = %+v", id)
	}
}

func TestGuardTimeout(t *testing.T) {
	cfg := breaker.DefaultConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	cb := breaker.New("guard-slow", cfg)

	v := Guard(ValidatorFunc(func(ctx context.Context, _ Credentials) (*Identity, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), cb)

	_, err := v.Validate(context.Background(), Credentials{Username: "a", Password: "b"})
	if !errors.Is(err, api.ErrDownstreamTimeout) {
		t.Errorf("err = %v, want ErrDownstreamTimeout", err)
	}
}

func TestGuardInvalidCredentialsKeepCircuitClosed(t *testing.T) {
	cfg := breaker.DefaultConfig()
	cfg.FailureThreshold = 1
	cb := breaker.New("guard-reject", cfg)

	v := Guard(ValidatorFunc(func(context.Context, Credentials) (*Identity, error) {
		return nil, api.ErrInvalidCredentials
	}), cb)

	for range 5 {
		if _, err := v.Validate(context.Background(), Credentials{}); !errors.Is(err, api.ErrInvalidCredentials) {
			t.Fatalf("err = %v, want ErrInvalidCredentials", err)
		}
	}
	if cb.State() != breaker.StateClosed {
		t.Errorf("State = %v, want closed", cb.State())
	}
}

func TestGuardWrapsProviderFailure(t *testing.T) {
	cb := breaker.New("guard-fail", breaker.DefaultConfig())
	errBoom := errors.New("connection reset")
	v := Guard(ValidatorFunc(func(context.Context, Credentials) (*Identity, error) {
		return nil, errBoom
	}), cb)

	_, err := v.Validate(context.Background(), Credentials{})
	if !errors.Is(err, api.ErrDownstreamFailed) {
		t.Errorf("err = %v, want ErrDownstreamFailed", err)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("err = %v, want cause preserved", err)
	}
}

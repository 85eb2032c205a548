// Package credential defines how user credentials are checked against an
// identity provider.
//
// A [Validator] answers one question: do these credentials identify a
// user, and which roles does that user hold? Backends live in
// subpackages (static, oidc). [Guard] places a validator behind a circuit
// breaker so an unavailable provider fails fast.
package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/rhuss/pforte/pkg/api"
	"github.com/rhuss/pforte/pkg/breaker"
)

// Credentials are what a client presents at login.
type Credentials struct {
	TenantID string
	Username string
	Password string
	// HeaderTenantID is the tenant named by the request's tenant header,
	// if any. A login is refused when it disagrees with TenantID.
	HeaderTenantID string
}

// Identity is a successfully authenticated user.
type Identity struct {
	Subject string
	// TenantID is the tenant the provider asserts for the user. Logins
	// are refused unless it equals the requested tenant.
	TenantID string
	Roles    []string
}

// Validator checks credentials. Rejected credentials yield an error
// wrapping api.ErrInvalidCredentials; any other error means the provider
// could not give an answer.
type Validator interface {
	Validate(ctx context.Context, c Credentials) (*Identity, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, c Credentials) (*Identity, error)

// Validate calls f(ctx, c).
func (f ValidatorFunc) Validate(ctx context.Context, c Credentials) (*Identity, error) {
	return f(ctx, c)
}

// ErrMissingCredentials is returned before contacting any provider when
// the username or password is empty.
var ErrMissingCredentials = errors.New("username and password are required")

type guarded struct {
	next Validator
	cb   *breaker.Breaker
}

// Guard runs every validation of v through cb. Provider failures other
// than an open circuit or a timeout are wrapped in api.ErrDownstreamFailed.
func Guard(v Validator, cb *breaker.Breaker) Validator {
	return &guarded{next: v, cb: cb}
}

func (g *guarded) Validate(ctx context.Context, c Credentials) (*Identity, error) {
	var id *Identity
	err := g.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		id, err = g.next.Validate(ctx, c)
		return err
	})
	if err != nil {
		if !api.IsAuthenticationError(err) && !errors.Is(err, api.ErrCircuitOpen) && !errors.Is(err, api.ErrDownstreamTimeout) {
			err = fmt.Errorf("%w: %w", api.ErrDownstreamFailed, err)
		}
		return nil, err
	}
	return id, nil
}

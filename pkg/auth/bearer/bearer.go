// Package bearer authenticates requests carrying a pforte access token
// together with the X-Tenant-ID header.
package bearer

import (
	"context"
	"net/http"
	"strings"

	"github.com/rhuss/pforte/pkg/api"
	"github.com/rhuss/pforte/pkg/auth"
	"github.com/rhuss/pforte/pkg/ratelimit"
)

// Method identifies identities produced by this package.
const Method = "bearer"

// Verifier validates an access token presented for tenantID and applies
// per-token admission. The decision is returned on success and denial.
type Verifier interface {
	Authenticate(ctx context.Context, accessToken, tenantID string) (*auth.Identity, ratelimit.Decision, error)
}

// Authenticator votes on requests with a JWT bearer token. Tokens that
// are not shaped like a JWT are left to other authenticators.
type Authenticator struct {
	verifier Verifier
}

// Ensure Authenticator implements auth.Authenticator at compile time.
var _ auth.Authenticator = (*Authenticator)(nil)

// New creates a bearer authenticator.
func New(v Verifier) *Authenticator {
	return &Authenticator{verifier: v}
}

// Authenticate implements auth.Authenticator.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) auth.AuthResult {
	token, ok := auth.BearerToken(r)
	if !ok || strings.Count(token, ".") != 2 {
		return auth.AuthResult{Decision: auth.Abstain}
	}

	id, dec, err := a.verifier.Authenticate(ctx, token, r.Header.Get(auth.TenantHeader))

	h := http.Header{}
	dec.SetHeaders(h)
	if err != nil {
		if d, ok := api.RetryAfter(err); ok && h.Get(ratelimit.HeaderRetryAfter) == "" {
			h.Set(ratelimit.HeaderRetryAfter, ratelimit.RetryAfterSeconds(d))
		}
		return auth.AuthResult{Decision: auth.No, Err: err, Header: h}
	}

	id.Method = Method
	return auth.AuthResult{Decision: auth.Yes, Identity: id, Header: h}
}

// Package apikey authenticates operators by static API key. Keys are
// compared by SHA-256 digest in constant time; configuration may hold
// the digest instead of the key.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/rhuss/pforte/pkg/auth"
)

// Method identifies identities produced by this package.
const Method = "api_key"

// Key is the configuration format for one API key. Exactly one of Key
// and SHA256 is set.
type Key struct {
	Key      string   `yaml:"key"`
	SHA256   string   `yaml:"sha256"`
	Subject  string   `yaml:"subject"`
	TenantID string   `yaml:"tenant_id"`
	Roles    []string `yaml:"roles"`
}

type entry struct {
	hash     [32]byte
	identity auth.Identity
}

// Authenticator validates bearer tokens against a static key store.
type Authenticator struct {
	keys []entry
}

// Ensure Authenticator implements auth.Authenticator at compile time.
var _ auth.Authenticator = (*Authenticator)(nil)

// New creates an API key authenticator. Keys are hashed immediately;
// plaintext keys are not stored.
func New(keys []Key) (*Authenticator, error) {
	a := &Authenticator{}
	var errs []error
	for i, k := range keys {
		var sum [32]byte
		switch {
		case k.Key != "" && k.SHA256 != "":
			errs = append(errs, fmt.Errorf("api key %d: key and sha256 are mutually exclusive", i))
			continue
		case k.Key != "":
			sum = sha256.Sum256([]byte(k.Key))
		case k.SHA256 != "":
			b, err := hex.DecodeString(k.SHA256)
			if err != nil || len(b) != len(sum) {
				errs = append(errs, fmt.Errorf("api key %d: sha256 must be 64 hex characters", i))
				continue
			}
			copy(sum[:], b)
		default:
			errs = append(errs, fmt.Errorf("api key %d: key or sha256 is required", i))
			continue
		}
		if k.Subject == "" {
			errs = append(errs, fmt.Errorf("api key %d: subject is required", i))
			continue
		}
		a.keys = append(a.keys, entry{
			hash: sum,
			identity: auth.Identity{
				Subject:  k.Subject,
				TenantID: k.TenantID,
				Roles:    slices.Clone(k.Roles),
				Method:   Method,
			},
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return a, nil
}

// Authenticate extracts the bearer token and validates it.
// Returns Yes if valid, No if bearer token present but invalid,
// Abstain if no Authorization header or not a Bearer token.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.AuthResult {
	token, ok := auth.BearerToken(r)
	if !ok {
		return auth.AuthResult{Decision: auth.Abstain}
	}
	if token == "" {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	tokenHash := sha256.Sum256([]byte(token))

	// Every entry is compared so timing does not reveal the match position.
	match := -1
	for i, e := range a.keys {
		if subtle.ConstantTimeCompare(tokenHash[:], e.hash[:]) == 1 {
			match = i
		}
	}
	if match < 0 {
		return auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	id := a.keys[match].identity
	id.Roles = slices.Clone(id.Roles)
	return auth.AuthResult{Decision: auth.Yes, Identity: &id}
}

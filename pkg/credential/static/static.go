// Package static validates credentials against a fixed, tenant-scoped
// table of users with bcrypt password hashes.
package static

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/rhuss/pforte/pkg/api"
	"github.com/rhuss/pforte/pkg/credential"
)

// User is a configured account.
type User struct {
	TenantID     string   `yaml:"tenant_id"`
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash"`
	Roles        []string `yaml:"roles"`
	// Subject overrides the token subject. Default: the username.
	Subject string `yaml:"subject"`
}

type userKey struct {
	tenantID string
	username string
}

// Validator is a credential.Validator backed by a user table.
type Validator struct {
	users map[userKey]User
	// dummy is compared against when the user is unknown, so unknown and
	// known users take the same time to reject.
	dummy []byte
}

// Ensure Validator implements credential.Validator at compile time.
var _ credential.Validator = (*Validator)(nil)

// New builds a validator. Every hash must be a valid bcrypt hash.
func New(users []User) (*Validator, error) {
	v := &Validator{users: make(map[userKey]User, len(users))}
	for i, u := range users {
		if u.Username == "" || u.TenantID == "" {
			return nil, fmt.Errorf("users[%d]: tenant_id and username are required", i)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("users[%d] (%s): invalid password_hash: %w", i, u.Username, err)
		}
		k := userKey{u.TenantID, u.Username}
		if _, dup := v.users[k]; dup {
			return nil, fmt.Errorf("users[%d]: duplicate user %s in tenant %s", i, u.Username, u.TenantID)
		}
		v.users[k] = u
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("pforte-dummy-password"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("generating dummy hash: %w", err)
	}
	v.dummy = dummy

	slog.Debug("static credential table loaded", "users", len(v.users))
	return v, nil
}

// Validate checks the password of c.Username in c.TenantID.
func (v *Validator) Validate(_ context.Context, c credential.Credentials) (*credential.Identity, error) {
	if c.Username == "" || c.Password == "" {
		return nil, fmt.Errorf("%w: %w", api.ErrInvalidCredentials, credential.ErrMissingCredentials)
	}

	u, ok := v.users[userKey{c.TenantID, c.Username}]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(v.dummy, []byte(c.Password))
		return nil, fmt.Errorf("unknown user: %w", api.ErrInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(c.Password)); err != nil {
		return nil, fmt.Errorf("password mismatch: %w", api.ErrInvalidCredentials)
	}

	subject := u.Subject
	if subject == "" {
		subject = u.Username
	}
	return &credential.Identity{
		Subject:  subject,
		TenantID: u.TenantID,
		Roles:    append([]string(nil), u.Roles...),
	}, nil
}

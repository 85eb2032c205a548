package token

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Type distinguishes access from refresh tokens.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// Claims is the payload of both token types. Refresh tokens additionally
// name their chain and generation.
type Claims struct {
	jwt.RegisteredClaims
	TenantID   string   `json:"tid"`
	Roles      []string `json:"roles,omitempty"`
	Type       Type     `json:"typ"`
	ChainID    string   `json:"cid,omitempty"`
	Generation uint64   `json:"gen,omitempty"`
}

// HasRole reports whether the token grants role.
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// Expiry returns the expiry, or the zero time.
func (c *Claims) Expiry() time.Time {
	if c.RegisteredClaims.ExpiresAt == nil {
		return time.Time{}
	}
	return c.RegisteredClaims.ExpiresAt.Time
}

// Pair is the result of a login or a rotation.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`

	ChainID    string    `json:"-"`
	Generation uint64    `json:"-"`
	Subject    string    `json:"-"`
	TenantID   string    `json:"-"`
	IssuedAt   time.Time `json:"-"`
}

// ExpiresIn returns the access token lifetime in whole seconds from now.
func (p *Pair) ExpiresIn(now time.Time) int64 {
	return int64(p.AccessExpiresAt.Sub(now).Seconds())
}

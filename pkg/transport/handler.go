package transport

import (
	"context"
	"time"

	"github.com/rhuss/pforte/pkg/credential"
	"github.com/rhuss/pforte/pkg/ratelimit"
	"github.com/rhuss/pforte/pkg/token"
)

// Sessions is the session lifecycle the HTTP surface exposes. The
// returned decisions describe rate limit admission and are rendered as
// response headers on success and failure.
type Sessions interface {
	Login(ctx context.Context, c credential.Credentials) (*token.Pair, ratelimit.Decision, error)
	Refresh(ctx context.Context, refreshToken, tenantID string) (*token.Pair, ratelimit.Decision, error)
	Logout(ctx context.Context, refreshToken, tenantID string, everywhere bool) (int, error)
}

// TokenRequest is the body of POST /v1/auth/token. TenantID may be
// omitted when the X-Tenant-ID header or the request host names the
// tenant.
type TokenRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshRequest is the body of POST /v1/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LogoutRequest is the body of POST /v1/auth/logout.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	// Everywhere ends every session of the token's subject.
	Everywhere bool `json:"everywhere,omitempty"`
}

// LogoutResponse reports how many sessions were ended.
type LogoutResponse struct {
	Revoked int `json:"revoked"`
}

// TokenResponse is returned by login and refresh.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// NewTokenResponse renders p relative to now.
func NewTokenResponse(p *token.Pair, now time.Time) TokenResponse {
	return TokenResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        p.TokenType,
		ExpiresIn:        p.ExpiresIn(now),
		RefreshExpiresIn: int64(p.RefreshExpiresAt.Sub(now).Seconds()),
	}
}

// WhoAmIResponse describes the caller of GET /v1/auth/whoami.
type WhoAmIResponse struct {
	Subject   string    `json:"subject"`
	TenantID  string    `json:"tenant_id"`
	Roles     []string  `json:"roles"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

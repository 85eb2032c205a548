package integration

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rhuss/pforte/pkg/audit"
	"github.com/rhuss/pforte/pkg/auth"
	"github.com/rhuss/pforte/pkg/ratelimit"
	"github.com/rhuss/pforte/pkg/tenant"
	"github.com/rhuss/pforte/pkg/token"
	"github.com/rhuss/pforte/pkg/transport"
)

func TestSessionLifecycle(t *testing.T) {
	c := newClient(t)

	pair := c.login("acme")
	if pair.TokenType != "Bearer" || pair.ExpiresIn <= 0 || pair.RefreshExpiresIn <= pair.ExpiresIn {
		t.Fatalf("token response = %+v", pair)
	}

	resp := c.whoami(pair.AccessToken, "acme")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("whoami status %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if resp.Header.Get(ratelimit.HeaderLimit) == "" {
		t.Error("whoami response has no rate limit headers")
	}
	var who transport.WhoAmIResponse
	decodeJSON(t, resp, &who)
	if who.Subject != "alice" || who.TenantID != "acme" || who.Method != "bearer" {
		t.Errorf("whoami = %+v", who)
	}

	// Rotation returns a new pair; the old access token stays valid until expiry.
	resp = c.refresh(pair.RefreshToken, "acme")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var rotated transport.TokenResponse
	decodeJSON(t, resp, &rotated)
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh returned the same refresh token")
	}

	resp = c.do("POST", "/v1/auth/logout", transport.LogoutRequest{RefreshToken: rotated.RefreshToken},
		map[string]string{auth.TenantHeader: "acme"})
	var out transport.LogoutResponse
	decodeJSON(t, resp, &out)
	if out.Revoked != 1 {
		t.Errorf("logout revoked %d chains, want 1", out.Revoked)
	}

	resp = c.refresh(rotated.RefreshToken, "acme")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh after logout status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "token_revoked" {
		t.Errorf("code = %q, want token_revoked", code)
	}
}

func TestRefreshReuseRevokesChain(t *testing.T) {
	c := newClient(t)
	pair := c.login("globex")

	resp := c.refresh(pair.RefreshToken, "globex")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first refresh status %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var second transport.TokenResponse
	decodeJSON(t, resp, &second)

	// Presenting the first refresh token again is reuse.
	resp = c.refresh(pair.RefreshToken, "globex")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("reuse status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "token_reuse" {
		t.Errorf("code = %q, want token_reuse", code)
	}

	// The legitimately rotated token died with the chain.
	resp = c.refresh(second.RefreshToken, "globex")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh of revoked chain status = %d, want 401", resp.StatusCode)
	}
	readBody(t, resp)

	found := false
	for _, e := range testEnv.Audit.OfType(audit.EventTokenReuseDetected) {
		if e.TenantID == "globex" && e.Priority == audit.PriorityHigh {
			found = true
		}
	}
	if !found {
		t.Error("no high priority reuse event for globex")
	}
}

func TestLogoutEverywhere(t *testing.T) {
	c := newClient(t)
	first := c.login("initech")
	second := c.login("initech")

	resp := c.do("POST", "/v1/auth/logout", transport.LogoutRequest{RefreshToken: first.RefreshToken, Everywhere: true},
		map[string]string{auth.TenantHeader: "initech"})
	var out transport.LogoutResponse
	decodeJSON(t, resp, &out)
	if out.Revoked < 2 {
		t.Errorf("logout everywhere revoked %d chains, want at least 2", out.Revoked)
	}

	resp = c.refresh(second.RefreshToken, "initech")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh after logout everywhere status = %d, want 401", resp.StatusCode)
	}
	readBody(t, resp)
}

func TestTenantMismatch(t *testing.T) {
	c := newClient(t)
	pair := c.login("acme")

	tests := []struct {
		name   string
		tenant string
	}{
		{"other tenant", "globex"},
		{"no tenant header", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := c.whoami(pair.AccessToken, tt.tenant)
			if resp.StatusCode != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", resp.StatusCode)
			}
			if code := errorCode(t, resp); code != "tenant_mismatch" {
				t.Errorf("code = %q, want tenant_mismatch", code)
			}
		})
	}
}

func TestLoginByDomain(t *testing.T) {
	c := newClient(t)

	resp := c.do("POST", "/v1/auth/token", transport.TokenRequest{Username: "alice", Password: "wonderland"},
		map[string]string{"Host": "login.acme.test"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var pair transport.TokenResponse
	decodeJSON(t, resp, &pair)

	claims := parseAccessToken(t, pair.AccessToken)
	if claims.TenantID != "acme" {
		t.Errorf("tid = %q, want acme", claims.TenantID)
	}
}

func TestSuspendedTenant(t *testing.T) {
	c := newClient(t)

	resp := c.do("POST", "/v1/auth/token", transport.TokenRequest{TenantID: "dormant", Username: "alice", Password: "wonderland"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "tenant_inactive" {
		t.Errorf("code = %q, want tenant_inactive", code)
	}
}

func TestStatusChangeReachesCache(t *testing.T) {
	ctx := t.Context()
	c := newClient(t)
	if err := testEnv.Tenants.Create(ctx, &tenant.Tenant{ID: "umbrella", Status: tenant.StatusActive}); err != nil {
		t.Fatalf("creating tenant: %v", err)
	}
	t.Cleanup(func() { _ = testEnv.Tenants.SetStatus(context.Background(), "umbrella", tenant.StatusInactive) })

	// No credentials exist for umbrella; an active tenant fails later, at
	// the credential check.
	resp := c.do("POST", "/v1/auth/token", transport.TokenRequest{TenantID: "umbrella", Username: "alice", Password: "x"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 before suspension", resp.StatusCode)
	}
	readBody(t, resp)

	if err := testEnv.Tenants.SetStatus(ctx, "umbrella", tenant.StatusSuspended); err != nil {
		t.Fatalf("suspending tenant: %v", err)
	}

	// The change event invalidates the cached active record well within
	// the cache TTL.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp := newClient(t).do("POST", "/v1/auth/token", transport.TokenRequest{TenantID: "umbrella", Username: "alice", Password: "x"}, nil)
		status := resp.StatusCode
		readBody(t, resp)
		if status == http.StatusForbidden {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %d, suspension not observed", status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAdminInvalidate(t *testing.T) {
	c := newClient(t)

	resp := c.do("POST", "/admin/tenants/acme/invalidate", nil, map[string]string{"Authorization": "Bearer " + adminKey})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204: %s", resp.StatusCode, readBody(t, resp))
	}
	readBody(t, resp)

	pair := c.login("acme")
	resp = c.do("POST", "/admin/tenants/acme/invalidate", nil, map[string]string{"Authorization": "Bearer " + pair.AccessToken})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("session token on admin route: status = %d, want 401", resp.StatusCode)
	}
	readBody(t, resp)
}

func TestJWKSVerifiesIssuedTokens(t *testing.T) {
	c := newClient(t)
	pair := c.login("acme")

	claims := parseAccessToken(t, pair.AccessToken)
	if claims.Subject != "alice" || claims.Issuer != "pforte" {
		t.Errorf("claims = %+v", claims)
	}
	if !claims.HasRole("user") {
		t.Errorf("roles = %v, want user", claims.Roles)
	}
}

// parseAccessToken verifies raw with the keys published on the JWKS
// endpoint, the way a resource server would.
func parseAccessToken(t *testing.T, raw string) *token.Claims {
	t.Helper()
	resp := getURL(t, testEnv.BaseURL()+"/.well-known/jwks.json")
	var set token.JWKS
	decodeJSON(t, resp, &set)

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		pub, err := k.RSAPublicKey()
		if err != nil {
			t.Fatalf("jwk %s: %v", k.Kid, err)
		}
		keys[k.Kid] = pub
	}

	claims := &token.Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		if pub, ok := keys[kid]; ok {
			return pub, nil
		}
		return nil, fmt.Errorf("unknown kid %q", kid)
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("verifying access token against JWKS: %v", err)
	}
	return claims
}

package integration

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/rhuss/pforte/pkg/api"
	"github.com/rhuss/pforte/pkg/audit"
	"github.com/rhuss/pforte/pkg/auth"
	"github.com/rhuss/pforte/pkg/ratelimit"
	"github.com/rhuss/pforte/pkg/transport"
)

func TestInvalidJSON(t *testing.T) {
	resp, err := http.Post(testEnv.BaseURL()+"/v1/auth/token", "application/json", bytes.NewReader([]byte(`{invalid json`)))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, readBody(t, resp))
	}

	var errResp api.ErrorResponse
	decodeJSON(t, resp, &errResp)
	if errResp.Error == nil {
		t.Fatal("error object is nil")
	}
	if errResp.Error.Type != api.ErrorTypeInvalidRequest {
		t.Errorf("error.type = %q, want %q", errResp.Error.Type, api.ErrorTypeInvalidRequest)
	}
}

func TestWrongPassword(t *testing.T) {
	c := newClient(t)

	resp := c.do("POST", "/v1/auth/token", transport.TokenRequest{TenantID: "acme", Username: "alice", Password: "guess"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
		t.Errorf("WWW-Authenticate = %q", got)
	}
	if got := resp.Header.Get(transport.RequestIDHeader); got == "" {
		t.Error("missing request id header")
	}
	if code := errorCode(t, resp); code != "invalid_credentials" {
		t.Errorf("code = %q, want invalid_credentials", code)
	}
}

func TestUnknownTenantLooksLikeForbidden(t *testing.T) {
	c := newClient(t)

	resp := c.do("POST", "/v1/auth/token", transport.TokenRequest{TenantID: "nobody", Username: "alice", Password: "wonderland"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	body := readBody(t, resp)
	if strings.Contains(body, "nobody") {
		t.Errorf("error body echoes the tenant id: %s", body)
	}
}

func TestLoginTenantHeaderDisagreement(t *testing.T) {
	c := newClient(t)

	resp := c.do("POST", "/v1/auth/token",
		transport.TokenRequest{TenantID: "acme", Username: "alice", Password: "wonderland"},
		map[string]string{auth.TenantHeader: "globex"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if got := resp.Header.Get(ratelimit.HeaderRemaining); got == "" {
		t.Error("rejected login without rate limit headers")
	}
	if code := errorCode(t, resp); code != "tenant_mismatch" {
		t.Errorf("code = %q, want tenant_mismatch", code)
	}

	var found bool
	for _, e := range testEnv.Audit.OfType(audit.EventTenantMismatch) {
		if e.TenantID == "acme" && e.Attrs["header_tenant_id"] == "globex" && e.Priority == audit.PriorityHigh {
			found = true
		}
	}
	if !found {
		t.Error("no high priority tenant_mismatch event for the disagreeing header")
	}
}

func TestLoginRateLimit(t *testing.T) {
	c := newClient(t)
	wrong := transport.TokenRequest{TenantID: "acme", Username: "alice", Password: "guess"}

	// Default auth_ip policy allows five attempts per minute.
	for i := range 5 {
		resp := c.do("POST", "/v1/auth/token", wrong, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want 401", i+1, resp.StatusCode)
		}
		readBody(t, resp)
	}

	resp := c.do("POST", "/v1/auth/token", transport.TokenRequest{TenantID: "acme", Username: "alice", Password: "wonderland"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("sixth attempt status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get(ratelimit.HeaderRetryAfter) == "" {
		t.Error("429 without Retry-After")
	}
	if got := resp.Header.Get(ratelimit.HeaderRemaining); got != "0" {
		t.Errorf("%s = %q, want 0", ratelimit.HeaderRemaining, got)
	}
	if code := errorCode(t, resp); code != "rate_limit_exceeded" {
		t.Errorf("code = %q, want rate_limit_exceeded", code)
	}

	// Another address is unaffected.
	newClient(t).login("acme")
}

func TestWhoAmIWithoutToken(t *testing.T) {
	c := newClient(t)

	resp := c.do("GET", "/v1/auth/whoami", nil, map[string]string{auth.TenantHeader: "acme"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	readBody(t, resp)
}

func TestTamperedToken(t *testing.T) {
	c := newClient(t)
	pair := c.login("acme")

	parts := strings.Split(pair.AccessToken, ".")
	parts[2] = strings.Repeat("A", len(parts[2]))
	resp := c.whoami(strings.Join(parts, "."), "acme")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "invalid_token" {
		t.Errorf("code = %q, want invalid_token", code)
	}
}

func TestRefreshTokenIsNotAnAccessToken(t *testing.T) {
	c := newClient(t)
	pair := c.login("acme")

	resp := c.whoami(pair.RefreshToken, "acme")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	readBody(t, resp)
}

func TestUnknownRoute(t *testing.T) {
	resp := getURL(t, testEnv.BaseURL()+"/v1/responses")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	readBody(t, resp)
}

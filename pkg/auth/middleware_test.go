package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rhuss/pforte/pkg/tenant"
)

// recordError writes the error as plain text and remembers it.
func recordError(got *error) ErrorWriter {
	return func(w http.ResponseWriter, _ *http.Request, err error) {
		*got = err
		status := http.StatusUnauthorized
		if errors.Is(err, ErrForbidden) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_BypassEndpoint(t *testing.T) {
	var gotErr error
	mw := Middleware(&AuthChain{}, recordError(&gotErr), []string{"/healthz"})

	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("bypass endpoint: status = %d, want 200", rec.Code)
	}
}

func TestMiddleware_NoAuth_Rejects(t *testing.T) {
	var gotErr error
	mw := Middleware(&AuthChain{}, recordError(&gotErr), DefaultBypassEndpoints)

	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/v1/auth/whoami", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no auth: status = %d, want 401", rec.Code)
	}
	if !errors.Is(gotErr, ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", gotErr)
	}
}

func TestMiddleware_ValidAuth_Passes(t *testing.T) {
	acme := &tenant.Tenant{ID: "acme", Status: tenant.StatusActive}
	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "99")
	chain := &AuthChain{
		Authenticators: []Authenticator{
			&mockAuthn{result: AuthResult{
				Decision: Yes,
				Identity: &Identity{Subject: "alice", TenantID: "acme", Tenant: acme},
				Header:   h,
			}},
		},
	}
	var gotErr error
	mw := Middleware(chain, recordError(&gotErr), DefaultBypassEndpoints)

	var gotTenant string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = tenant.IDFromContext(r.Context())
		id := IdentityFromContext(r.Context())
		if id == nil || id.Subject != "alice" {
			t.Error("expected identity 'alice' in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/auth/whoami", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("valid auth: status = %d, want 200", rec.Code)
	}
	if gotTenant != "acme" {
		t.Errorf("tenant = %q, want %q", gotTenant, "acme")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "99" {
		t.Error("authenticator headers not copied")
	}
}

func TestMiddleware_FailureKeepsHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	errDenied := errors.New("denied")
	chain := &AuthChain{
		Authenticators: []Authenticator{
			&mockAuthn{result: AuthResult{Decision: No, Err: errDenied, Header: h}},
		},
	}
	var gotErr error
	mw := Middleware(chain, recordError(&gotErr), nil)

	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/v1/auth/whoami", nil))

	if gotErr != errDenied {
		t.Errorf("err = %v, want %v", gotErr, errDenied)
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Error("Retry-After not copied on failure")
	}
}

func TestMiddleware_EmptySubjectRejected(t *testing.T) {
	chain := &AuthChain{
		Authenticators: []Authenticator{
			&mockAuthn{result: AuthResult{Decision: Yes, Identity: &Identity{}}},
		},
	}
	var gotErr error
	mw := Middleware(chain, recordError(&gotErr), nil)

	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code == http.StatusOK {
		t.Error("identity without subject was accepted")
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		identity *Identity
		want     int
	}{
		{"admin", &Identity{Subject: "ops", Roles: []string{"admin"}}, http.StatusOK},
		{"user", &Identity{Subject: "alice", Roles: []string{"user"}}, http.StatusForbidden},
		{"anonymous", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotErr error
			h := RequireRole("admin", recordError(&gotErr))(okHandler())

			r := httptest.NewRequest("POST", "/admin/tenants/acme/invalidate", nil)
			if tt.identity != nil {
				r = r.WithContext(SetIdentity(r.Context(), tt.identity))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

var _ Authenticator = (*mockAuthn)(nil)

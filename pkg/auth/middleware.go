package auth

import (
	"log/slog"
	"maps"
	"net/http"

	"github.com/rhuss/pforte/pkg/tenant"
)

// ErrorWriter renders an authentication failure. The transport layer
// supplies one so failures use its error format.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware creates HTTP middleware from an AuthChain. It checks the
// bypass list, runs authentication and injects the identity and tenant
// into the request context. Headers set by the authenticator are copied
// to the response on both outcomes.
func Middleware(chain *AuthChain, onError ErrorWriter, bypassEndpoints []string) func(http.Handler) http.Handler {
	bypass := make(map[string]bool, len(bypassEndpoints))
	for _, ep := range bypassEndpoints {
		bypass[ep] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			result := chain.Authenticate(r.Context(), r)
			maps.Copy(w.Header(), result.Header)

			if result.Decision != Yes || result.Identity == nil {
				err := result.Err
				if err == nil {
					err = ErrUnauthenticated
				}
				slog.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", err,
				)
				onError(w, r, err)
				return
			}

			if result.Identity.Subject == "" {
				slog.Error("authenticator returned identity with empty subject", "method", result.Identity.Method)
				onError(w, r, ErrUnauthenticated)
				return
			}

			slog.Debug("authentication succeeded",
				"subject", result.Identity.Subject,
				"tenant_id", result.Identity.TenantID,
				"method", result.Identity.Method,
				"path", r.URL.Path,
			)

			ctx := SetIdentity(r.Context(), result.Identity)
			if result.Identity.Tenant != nil {
				ctx = tenant.WithTenant(ctx, result.Identity.Tenant)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects requests whose identity lacks role with
// ErrForbidden. It must run after Middleware.
func RequireRole(role string, onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromContext(r.Context())
			if !id.HasRole(role) {
				onError(w, r, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DefaultBypassEndpoints lists endpoints that skip authentication.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics"}

package transport

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/rhuss/pforte/pkg/audit"
	"github.com/rhuss/pforte/pkg/ratelimit"
)

// Admitter is the rate limiter as seen by the transport.
type Admitter interface {
	Admit(ctx context.Context, scope ratelimit.Scope, key string) (ratelimit.Decision, error)
}

// ClientIP returns the client address of r without port. With
// trustForwarded set, the first X-Forwarded-For entry wins; only enable
// it behind a proxy that overwrites the header.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Origin returns middleware that records the client address and request
// ID in the context for audit events. It must run after RequestID.
func Origin(trustForwarded bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := audit.WithOrigin(r.Context(), audit.Origin{
				RemoteAddr: ClientIP(r, trustForwarded),
				RequestID:  RequestIDFromContext(r.Context()),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Admission returns middleware that admits every request against the
// global_ip scope, keyed by the client address recorded by Origin.
// Paths in bypass are not limited.
func Admission(limiter Admitter, bypass []string) Middleware {
	skip := make(map[string]bool, len(bypass))
	for _, p := range bypass {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			key := audit.OriginFrom(r.Context()).RemoteAddr
			if key == "" {
				key = ClientIP(r, false)
			}
			dec, err := limiter.Admit(r.Context(), ratelimit.ScopeGlobalIP, key)
			if err != nil {
				dec.SetHeaders(w.Header())
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

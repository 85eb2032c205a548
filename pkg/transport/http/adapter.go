// Package http serves pforte's session API over HTTP.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/pforte/pkg/api"
	"github.com/rhuss/pforte/pkg/auth"
	"github.com/rhuss/pforte/pkg/auth/apikey"
	"github.com/rhuss/pforte/pkg/auth/bearer"
	"github.com/rhuss/pforte/pkg/credential"
	"github.com/rhuss/pforte/pkg/observability"
	"github.com/rhuss/pforte/pkg/tenant"
	"github.com/rhuss/pforte/pkg/token"
	"github.com/rhuss/pforte/pkg/transport"
)

// AdminRole is required on the /admin routes.
const AdminRole = "admin"

// TenantDirectory resolves tenants by host and drops cached entries.
type TenantDirectory interface {
	ResolveDomain(ctx context.Context, host string) (*tenant.Tenant, error)
	Invalidate(id string)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of the adapter. Tenants, APIKeys and Health
// are optional; without APIKeys the admin routes are not served.
type Deps struct {
	Sessions transport.Sessions
	Verifier bearer.Verifier
	Keys     *token.KeySet
	Limiter  transport.Admitter
	Tenants  TenantDirectory
	APIKeys  *apikey.Authenticator
	Health   map[string]HealthCheck
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64
	// TrustForwardedFor takes the client address from X-Forwarded-For.
	TrustForwardedFor bool
	// HealthTimeout bounds each health check. Default: 2 seconds.
	HealthTimeout time.Duration
	// MetricsPath serves Prometheus metrics. Empty disables the endpoint.
	MetricsPath string
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize:   64 << 10,
		HealthTimeout: 2 * time.Second,
		MetricsPath:   "/metrics",
	}
}

// Adapter routes HTTP requests to the session engine.
type Adapter struct {
	deps   Deps
	config Config
	clock  clock.Clock
	logger *slog.Logger
	mux    *http.ServeMux
	bypass []string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock sets the time source used for expires_in values.
func WithClock(c clock.Clock) Option {
	return func(a *Adapter) { a.clock = c }
}

// WithLogger sets the logger of the request middleware.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// NewAdapter creates an adapter and registers its routes.
func NewAdapter(d Deps, cfg Config, opts ...Option) (*Adapter, error) {
	if d.Sessions == nil || d.Verifier == nil || d.Keys == nil || d.Limiter == nil {
		return nil, errors.New("http adapter: sessions, verifier, keys and limiter are required")
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultConfig().HealthTimeout
	}

	a := &Adapter{
		deps:   d,
		config: cfg,
		clock:  clock.New(),
		logger: slog.Default(),
		mux:    http.NewServeMux(),
		bypass: []string{"/healthz", "/readyz"},
	}
	for _, opt := range opts {
		opt(a)
	}

	users := auth.Middleware(&auth.AuthChain{
		Authenticators: []auth.Authenticator{bearer.New(d.Verifier)},
	}, writeAuthError, nil)

	a.mux.HandleFunc("POST /v1/auth/token", a.handleToken)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.mux.Handle("GET /v1/auth/whoami", users(http.HandlerFunc(a.handleWhoAmI)))
	a.mux.HandleFunc("GET /.well-known/jwks.json", a.handleJWKS)
	a.mux.HandleFunc("GET /healthz", a.handleHealth)
	a.mux.HandleFunc("GET /readyz", a.handleReady)
	if cfg.MetricsPath != "" {
		a.mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
		a.bypass = append(a.bypass, cfg.MetricsPath)
	}

	if d.APIKeys != nil && d.Tenants != nil {
		admins := transport.Chain(
			auth.Middleware(&auth.AuthChain{Authenticators: []auth.Authenticator{d.APIKeys}}, writeAuthError, nil),
			auth.RequireRole(AdminRole, writeAuthError),
		)
		a.mux.Handle("POST /admin/tenants/{id}/invalidate", admins(http.HandlerFunc(a.handleInvalidate)))
	}

	return a, nil
}

// Handler returns the http.Handler for this adapter with the full
// middleware chain applied. Health, readiness and metrics skip global_ip
// admission.
func (a *Adapter) Handler() http.Handler {
	return transport.Chain(
		transport.Recovery(a.logger),
		transport.RequestID(),
		transport.Origin(a.config.TrustForwardedFor),
		transport.Logging(a.logger),
		observability.MetricsMiddleware,
		transport.Admission(a.deps.Limiter, a.bypass),
	)(a.mux)
}

// handleToken handles POST /v1/auth/token.
func (a *Adapter) handleToken(w http.ResponseWriter, r *http.Request) {
	var req transport.TokenRequest
	if !a.decode(w, r, &req) {
		return
	}
	// Sessions.Login validates presence and agreement of the tenant.
	if req.TenantID == "" {
		req.TenantID = a.tenantFor(r)
	}
	pair, dec, err := a.deps.Sessions.Login(r.Context(), credential.Credentials{
		TenantID:       req.TenantID,
		Username:       req.Username,
		Password:       req.Password,
		HeaderTenantID: r.Header.Get(auth.TenantHeader),
	})
	dec.SetHeaders(w.Header())
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, transport.NewTokenResponse(pair, a.clock.Now()))
}

// handleRefresh handles POST /v1/auth/refresh.
func (a *Adapter) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req transport.RefreshRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		transport.WriteAPIError(w, api.NewInvalidRequestError("refresh_token is required"))
		return
	}

	pair, dec, err := a.deps.Sessions.Refresh(r.Context(), req.RefreshToken, a.tenantFor(r))
	dec.SetHeaders(w.Header())
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, transport.NewTokenResponse(pair, a.clock.Now()))
}

// handleLogout handles POST /v1/auth/logout.
func (a *Adapter) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req transport.LogoutRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		transport.WriteAPIError(w, api.NewInvalidRequestError("refresh_token is required"))
		return
	}

	n, err := a.deps.Sessions.Logout(r.Context(), req.RefreshToken, a.tenantFor(r), req.Everywhere)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, transport.LogoutResponse{Revoked: n})
}

// handleWhoAmI handles GET /v1/auth/whoami.
func (a *Adapter) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	roles := id.Roles
	if roles == nil {
		roles = []string{}
	}
	transport.WriteJSON(w, http.StatusOK, transport.WhoAmIResponse{
		Subject:   id.Subject,
		TenantID:  id.TenantID,
		Roles:     roles,
		Method:    id.Method,
		ExpiresAt: id.ExpiresAt,
	})
}

// handleJWKS handles GET /.well-known/jwks.json.
func (a *Adapter) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(a.deps.Keys.JWKS())
}

// handleInvalidate handles POST /admin/tenants/{id}/invalidate.
func (a *Adapter) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		transport.WriteAPIError(w, api.NewInvalidRequestError("tenant id is required"))
		return
	}
	a.deps.Tenants.Invalidate(id)
	a.logger.Info("tenant cache invalidated",
		"tenant_id", id,
		"by", auth.IdentityFromContext(r.Context()).Subject,
		"request_id", transport.RequestIDFromContext(r.Context()),
	)
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealth handles GET /healthz. It reports liveness only and does
// not contact any dependency.
func (a *Adapter) handleHealth(w http.ResponseWriter, _ *http.Request) {
	transport.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReady handles GET /readyz by running every configured check.
func (a *Adapter) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	for name, check := range a.deps.Health {
		ctx, cancel := context.WithTimeout(r.Context(), a.config.HealthTimeout)
		err := check(ctx)
		cancel()
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(a.deps.Health))
		}
		if err != nil {
			a.logger.Warn("readiness check failed", "check", name, "error", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	transport.WriteJSON(w, status, resp)
}

// tenantFor returns the tenant named by the X-Tenant-ID header, or the
// tenant whose domain matches the request host.
func (a *Adapter) tenantFor(r *http.Request) string {
	if id := r.Header.Get(auth.TenantHeader); id != "" {
		return id
	}
	if a.deps.Tenants == nil {
		return ""
	}
	t, err := a.deps.Tenants.ResolveDomain(r.Context(), r.Host)
	if err != nil {
		return ""
	}
	return t.ID
}

// decode reads a JSON body into v. It writes the error response and
// returns false on failure.
func (a *Adapter) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/json" {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("Content-Type must be application/json"),
				http.StatusUnsupportedMediaType,
			)
			return false
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError(fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return false
		}
		transport.WriteAPIError(w, api.NewInvalidRequestError("invalid JSON body"))
		return false
	}
	return true
}

// writeAuthError renders failures of the auth middleware.
func writeAuthError(w http.ResponseWriter, _ *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrForbidden):
		transport.WriteAPIError(w, &api.APIError{Type: api.ErrorTypePermission, Code: "forbidden", Message: "access denied"})
	case errors.Is(err, auth.ErrUnauthenticated):
		transport.WriteAPIError(w, &api.APIError{Type: api.ErrorTypeAuthentication, Code: "unauthenticated", Message: "authentication required"})
	default:
		transport.WriteError(w, err)
	}
}

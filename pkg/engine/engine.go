package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/benbjohnson/clock"

	"github.com/rhuss/pforte/pkg/api"
	"github.com/rhuss/pforte/pkg/audit"
	"github.com/rhuss/pforte/pkg/auth"
	"github.com/rhuss/pforte/pkg/credential"
	"github.com/rhuss/pforte/pkg/debug"
	"github.com/rhuss/pforte/pkg/observability"
	"github.com/rhuss/pforte/pkg/quota"
	"github.com/rhuss/pforte/pkg/ratelimit"
	"github.com/rhuss/pforte/pkg/tenant"
	"github.com/rhuss/pforte/pkg/token"
)

// Engine runs logins, refreshes, request authentication and logouts.
// It is safe for concurrent use.
type Engine struct {
	limiter   *ratelimit.Limiter
	validator credential.Validator
	tokens    *token.Service
	tenants   tenant.Lookup
	quotas    *quota.Manager
	audit     audit.Sink
	clock     clock.Clock
	logger    *slog.Logger
	cfg       Config
}

// New creates an Engine. All dependencies except Audit are required.
func New(d Deps, cfg Config, opts ...Option) (*Engine, error) {
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e := &Engine{
		limiter:   d.Limiter,
		validator: d.Validator,
		tokens:    d.Tokens,
		tenants:   d.Tenants,
		quotas:    d.Quotas,
		audit:     d.Audit,
		clock:     clock.New(),
		logger:    slog.Default(),
		cfg:       cfg,
	}
	if e.audit == nil {
		e.audit = audit.Discard
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Login checks credentials for a tenant and starts a session. The
// decision describes the auth_ip admission and is returned on denial
// too, so callers can render rate limit headers.
func (e *Engine) Login(ctx context.Context, c credential.Credentials) (*token.Pair, ratelimit.Decision, error) {
	attempt := audit.Event{Type: audit.EventAuthenticationAttempt, Subject: c.Username, TenantID: c.TenantID}

	dec, err := e.limiter.Admit(ctx, ratelimit.ScopeAuthIP, clientKey(ctx))
	if err != nil {
		e.loginFailed(ctx, attempt, audit.EventRateLimited, err)
		return nil, dec, err
	}

	if err := checkLoginRequest(c); err != nil {
		typ := audit.EventAuthenticationAttempt
		if errors.Is(err, api.ErrTenantMismatch) {
			typ = audit.EventTenantMismatch
			attempt.Attrs = map[string]string{"header_tenant_id": c.HeaderTenantID}
		}
		e.loginFailed(ctx, attempt, typ, err)
		return nil, dec, err
	}
	if _, err := tenant.RequireActive(ctx, e.tenants, c.TenantID); err != nil {
		e.loginFailed(ctx, attempt, audit.EventAuthenticationAttempt, err)
		return nil, dec, err
	}

	id, err := e.validator.Validate(ctx, c)
	if err != nil {
		if !api.IsAuthenticationError(err) && !errors.Is(err, api.ErrCircuitOpen) &&
			!errors.Is(err, api.ErrDownstreamTimeout) && !errors.Is(err, api.ErrDownstreamFailed) {
			err = fmt.Errorf("%w: %w", api.ErrDownstreamFailed, err)
		}
		e.loginFailed(ctx, attempt, audit.EventAuthenticationAttempt, err)
		return nil, dec, err
	}
	attempt.Subject = id.Subject

	// An identity without a tenant assertion is not a member of any tenant.
	if id.TenantID != c.TenantID {
		err := fmt.Errorf("%w: provider asserts tenant %q", api.ErrTenantMismatch, id.TenantID)
		attempt.Attrs = map[string]string{"asserted_tenant_id": id.TenantID}
		e.loginFailed(ctx, attempt, audit.EventTenantMismatch, err)
		return nil, dec, err
	}

	rec, err := e.quotas.Consume(ctx, c.TenantID, quota.ResourceSessions, 1)
	if err != nil {
		e.loginFailed(ctx, attempt, audit.EventQuotaExceeded, err)
		return nil, dec, err
	}

	pair, err := e.tokens.Issue(ctx, id.Subject, c.TenantID, id.Roles)
	if err != nil {
		e.quotas.Release(ctx, rec, 1)
		e.loginFailed(ctx, attempt, audit.EventAuthenticationAttempt, err)
		return nil, dec, err
	}

	observability.AuthAttemptsTotal.WithLabelValues("success").Inc()
	observability.TokensIssuedTotal.WithLabelValues("login").Inc()
	attempt.Status = audit.StatusSuccess
	e.emit(ctx, attempt)
	e.emit(ctx, audit.Event{
		Type:     audit.EventTokenIssued,
		Status:   audit.StatusSuccess,
		Subject:  pair.Subject,
		TenantID: pair.TenantID,
		Attrs:    chainAttrs(pair),
	})
	e.logger.Info("login succeeded", "tenant_id", c.TenantID, "subject", id.Subject, "chain_id", pair.ChainID)
	return pair, dec, nil
}

// checkLoginRequest rejects logins that are incomplete or name two
// different tenants.
func checkLoginRequest(c credential.Credentials) error {
	switch {
	case c.Username == "" || c.Password == "":
		return api.NewInvalidRequestError(credential.ErrMissingCredentials.Error())
	case c.HeaderTenantID != "" && c.TenantID != "" && c.HeaderTenantID != c.TenantID:
		return fmt.Errorf("%w: header names tenant %q", api.ErrTenantMismatch, c.HeaderTenantID)
	case c.TenantID == "":
		return api.NewInvalidRequestError("tenant_id is required")
	}
	return nil
}

// loginFailed records a failed login under the event type that best
// describes the failure.
func (e *Engine) loginFailed(ctx context.Context, ev audit.Event, typ audit.EventType, err error) {
	observability.AuthAttemptsTotal.WithLabelValues(api.Code(err)).Inc()
	ev.Type = typ
	e.fail(ctx, ev, err)
}

// Refresh rotates a refresh token presented for tenantID.
func (e *Engine) Refresh(ctx context.Context, refreshToken, tenantID string) (*token.Pair, ratelimit.Decision, error) {
	ev := audit.Event{Type: audit.EventTokenRotated, TenantID: tenantID}

	dec, err := e.limiter.Admit(ctx, ratelimit.ScopeAuthIP, clientKey(ctx))
	if err != nil {
		ev.Type = audit.EventRateLimited
		e.fail(ctx, ev, err)
		return nil, dec, err
	}

	claims, err := e.tokens.Inspect(refreshToken)
	if err != nil {
		ev.Type = audit.EventTokenVerificationFailed
		e.fail(ctx, ev, err)
		return nil, dec, err
	}
	ev.Subject = claims.Subject
	if err := e.checkTenant(ctx, ev, claims, tenantID); err != nil {
		return nil, dec, err
	}

	pair, err := e.tokens.Rotate(ctx, refreshToken)
	if err != nil {
		// The token service audits reuse itself, with the chain id.
		if !errors.Is(err, api.ErrTokenReuse) {
			e.fail(ctx, ev, err)
		}
		return nil, dec, err
	}

	observability.TokensIssuedTotal.WithLabelValues("refresh").Inc()
	ev.Status = audit.StatusSuccess
	ev.Attrs = chainAttrs(pair)
	e.emit(ctx, ev)
	debug.Log("engine", "refresh", "tenant_id", pair.TenantID, "chain_id", pair.ChainID, "generation", pair.Generation)
	return pair, dec, nil
}

// Authenticate validates an access token presented for tenantID and
// meters the request against the token_api scope and the tenant's
// api_requests quota. It implements bearer.Verifier.
func (e *Engine) Authenticate(ctx context.Context, accessToken, tenantID string) (*auth.Identity, ratelimit.Decision, error) {
	ev := audit.Event{Type: audit.EventTokenVerificationFailed, TenantID: tenantID}

	claims, err := e.tokens.VerifyAccess(ctx, accessToken)
	if err != nil {
		e.fail(ctx, ev, err)
		return nil, ratelimit.Decision{}, err
	}
	ev.Subject = claims.Subject
	if err := e.checkTenant(ctx, ev, claims, tenantID); err != nil {
		return nil, ratelimit.Decision{}, err
	}

	dec, err := e.limiter.Admit(ctx, ratelimit.ScopeTokenAPI, claims.ID)
	if err != nil {
		ev.Type = audit.EventRateLimited
		e.fail(ctx, ev, err)
		return nil, dec, err
	}

	t, err := e.tenants.Lookup(ctx, tenantID)
	if err != nil {
		e.fail(ctx, ev, err)
		return nil, dec, err
	}

	if _, err := e.quotas.Consume(ctx, tenantID, quota.ResourceAPIRequests, 1); err != nil {
		ev.Type = audit.EventQuotaExceeded
		e.fail(ctx, ev, err)
		return nil, dec, err
	}

	return &auth.Identity{
		Subject:   claims.Subject,
		TenantID:  claims.TenantID,
		Roles:     claims.Roles,
		TokenID:   claims.ID,
		ExpiresAt: claims.Expiry(),
		Tenant:    t,
	}, dec, nil
}

// Logout revokes the chain of refreshToken, or with everywhere set every
// chain of its subject, and returns how many chains were revoked.
// Expired refresh tokens are accepted.
func (e *Engine) Logout(ctx context.Context, refreshToken, tenantID string, everywhere bool) (int, error) {
	ev := audit.Event{Type: audit.EventTokenRevoked, TenantID: tenantID}

	claims, err := e.tokens.Inspect(refreshToken)
	if err != nil {
		ev.Type = audit.EventTokenVerificationFailed
		e.fail(ctx, ev, err)
		return 0, err
	}
	ev.Subject = claims.Subject
	if err := e.checkTenant(ctx, ev, claims, tenantID); err != nil {
		return 0, err
	}

	n := 1
	scope := "chain"
	if everywhere {
		scope = "subject"
		n, err = e.tokens.RevokeSubject(ctx, claims.TenantID, claims.Subject)
	} else {
		_, err = e.tokens.Revoke(ctx, refreshToken)
	}
	if err != nil {
		e.fail(ctx, ev, err)
		return 0, err
	}

	ev.Status = audit.StatusSuccess
	ev.Attrs = map[string]string{
		"chain_id": claims.ChainID,
		"scope":    scope,
		"revoked":  strconv.Itoa(n),
	}
	e.emit(ctx, ev)
	e.logger.Info("logout", "tenant_id", claims.TenantID, "subject", claims.Subject, "scope", scope, "revoked", n)
	return n, nil
}

// Run deletes expired refresh chains periodically until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clock.Ticker(e.cfg.purgeInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.purge(ctx)
		}
	}
}

func (e *Engine) purge(ctx context.Context) {
	n, err := e.tokens.PurgeExpired(ctx)
	if err != nil {
		e.logger.Warn("purging expired refresh chains failed", "error", err)
		return
	}
	if n > 0 {
		e.logger.Info("purged expired refresh chains", "count", n)
	}
}

// checkTenant rejects tokens used for a tenant other than the one they
// were issued for. A missing tenant header counts as a mismatch.
func (e *Engine) checkTenant(ctx context.Context, ev audit.Event, claims *token.Claims, tenantID string) error {
	if tenantID == claims.TenantID {
		return nil
	}
	err := fmt.Errorf("%w: token issued for %s", api.ErrTenantMismatch, claims.TenantID)
	ev.Type = audit.EventTenantMismatch
	ev.Attrs = map[string]string{"token_tenant_id": claims.TenantID}
	e.fail(ctx, ev, err)
	return err
}

func (e *Engine) fail(ctx context.Context, ev audit.Event, err error) {
	ev.Reason = api.Code(err)
	ev.Status = audit.StatusFailure
	switch {
	case errors.Is(err, api.ErrRateLimitExceeded), errors.Is(err, api.ErrQuotaExceeded):
		ev.Status = audit.StatusDenied
	case errors.Is(err, api.ErrTenantMismatch):
		ev.Status = audit.StatusDenied
		ev.Priority = audit.PriorityHigh
	}
	e.emit(ctx, ev)
	debug.Log("engine", "operation failed", "type", string(ev.Type), "reason", ev.Reason, "error", err)
}

func (e *Engine) emit(ctx context.Context, ev audit.Event) {
	ev.Time = e.clock.Now()
	if ev.Priority == "" {
		ev.Priority = audit.PriorityNormal
	}
	e.audit.Emit(ctx, audit.Stamp(ctx, ev))
}

// clientKey is the auth_ip limiter key of the request in ctx.
func clientKey(ctx context.Context) string {
	if addr := audit.OriginFrom(ctx).RemoteAddr; addr != "" {
		return addr
	}
	return "unknown"
}

func chainAttrs(p *token.Pair) map[string]string {
	return map[string]string{
		"chain_id":   p.ChainID,
		"generation": strconv.FormatUint(p.Generation, 10),
	}
}

// Package token issues, verifies and rotates RS256-signed tokens.
//
// An access token is a short-lived bearer credential. A refresh token
// names a server-side chain and a generation; rotating it advances the
// chain by exactly one generation through a compare-and-swap, so a
// refresh token can be redeemed at most once. Presenting a superseded
// generation is treated as theft: the whole chain is revoked.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rhuss/pforte/pkg/api"
	"github.com/rhuss/pforte/pkg/audit"
	"github.com/rhuss/pforte/pkg/debug"
	"github.com/rhuss/pforte/pkg/observability"
	"github.com/rhuss/pforte/pkg/tenant"
)

// Token lifetimes.
const (
	DefaultAccessTTL = 15 * time.Minute
	DefaultChainTTL  = 7 * 24 * time.Hour
)

// Config holds the token service settings.
type Config struct {
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	AccessTTL time.Duration `yaml:"access_ttl"`
	ChainTTL  time.Duration `yaml:"chain_ttl"`
}

func (c *Config) applyDefaults() {
	if c.Issuer == "" {
		c.Issuer = "pforte"
	}
	if c.AccessTTL == 0 {
		c.AccessTTL = DefaultAccessTTL
	}
	if c.ChainTTL == 0 {
		c.ChainTTL = DefaultChainTTL
	}
}

// Service issues and validates tokens.
type Service struct {
	cfg     Config
	keys    *KeySet
	chains  ChainStore
	tenants tenant.Lookup
	audit   audit.Sink
	clock   clock.Clock
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source for issuance and expiry checks.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithAudit sets the sink for reuse detection events.
func WithAudit(a audit.Sink) Option {
	return func(s *Service) { s.audit = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a token service.
func NewService(cfg Config, keys *KeySet, chains ChainStore, tenants tenant.Lookup, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		cfg:     cfg,
		keys:    keys,
		chains:  chains,
		tenants: tenants,
		audit:   audit.Discard,
		clock:   clock.New(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys returns the key set used for signing.
func (s *Service) Keys() *KeySet { return s.keys }

// Issue starts a new refresh chain for subject in tenantID and returns the
// first token pair. The tenant must be active.
func (s *Service) Issue(ctx context.Context, subject, tenantID string, roles []string) (*Pair, error) {
	if subject == "" {
		return nil, errors.New("issue token: empty subject")
	}
	if _, err := tenant.RequireActive(ctx, s.tenants, tenantID); err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	now := s.clock.Now()
	chain := &Chain{
		ID:         uuid.NewString(),
		Subject:    subject,
		TenantID:   tenantID,
		Roles:      roles,
		IssuedAt:   now,
		Deadline:   now.Add(s.cfg.ChainTTL),
		Generation: 1,
	}
	if err := s.chains.Create(ctx, chain); err != nil {
		return nil, fmt.Errorf("creating refresh chain: %w", err)
	}

	pair, err := s.sign(chain, now)
	if err != nil {
		return nil, err
	}
	debug.Log("token", "issued", "chain_id", chain.ID, "tenant_id", tenantID, "subject", subject)
	return pair, nil
}

// VerifyAccess validates an access token and returns its claims. The
// tenant status is checked again so suspending a tenant takes effect
// before its tokens expire.
func (s *Service) VerifyAccess(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.parse(raw, TypeAccess, true)
	if err == nil {
		_, err = tenant.RequireActive(ctx, s.tenants, claims.TenantID)
	}
	if err != nil {
		observability.TokenVerificationsTotal.WithLabelValues(api.Code(err)).Inc()
		return nil, err
	}
	observability.TokenVerificationsTotal.WithLabelValues("success").Inc()
	return claims, nil
}

// Rotate redeems a refresh token for a new pair in the same chain. The
// chain deadline is never extended.
func (s *Service) Rotate(ctx context.Context, raw string) (*Pair, error) {
	pair, err := s.rotate(ctx, raw)
	outcome := "success"
	if err != nil {
		outcome = api.Code(err)
	}
	observability.TokenRotationsTotal.WithLabelValues(outcome).Inc()
	return pair, err
}

func (s *Service) rotate(ctx context.Context, raw string) (*Pair, error) {
	claims, err := s.parse(raw, TypeRefresh, true)
	if err != nil {
		return nil, err
	}

	chain, err := s.chains.Get(ctx, claims.ChainID)
	if errors.Is(err, ErrChainNotFound) {
		return nil, fmt.Errorf("chain %s: %w", claims.ChainID, api.ErrTokenRevoked)
	}
	if err != nil {
		return nil, fmt.Errorf("loading refresh chain: %w", err)
	}
	if chain.Subject != claims.Subject || chain.TenantID != claims.TenantID {
		return nil, fmt.Errorf("chain %s does not match token: %w", chain.ID, api.ErrSignatureInvalid)
	}

	switch {
	case claims.Generation < chain.Generation:
		return nil, s.reuseDetected(ctx, chain, claims.Generation)
	case chain.Revoked:
		return nil, fmt.Errorf("chain %s: %w", chain.ID, api.ErrTokenRevoked)
	case claims.Generation > chain.Generation:
		return nil, fmt.Errorf("chain %s generation %d ahead of store: %w", chain.ID, claims.Generation, api.ErrSignatureInvalid)
	}

	now := s.clock.Now()
	if chain.Expired(now) {
		return nil, fmt.Errorf("chain %s: %w", chain.ID, api.ErrTokenExpired)
	}
	if _, err := tenant.RequireActive(ctx, s.tenants, chain.TenantID); err != nil {
		return nil, err
	}

	if err := s.chains.Advance(ctx, chain.ID, claims.Generation, now); err != nil {
		switch {
		case errors.Is(err, ErrStaleGeneration):
			// A concurrent rotation of the same token won.
			return nil, s.reuseDetected(ctx, chain, claims.Generation)
		case errors.Is(err, ErrChainRevoked):
			return nil, fmt.Errorf("chain %s: %w", chain.ID, api.ErrTokenRevoked)
		}
		return nil, fmt.Errorf("advancing refresh chain: %w", err)
	}

	chain.Generation = claims.Generation + 1
	chain.RotatedAt = now
	pair, err := s.sign(chain, now)
	if err != nil {
		return nil, err
	}
	debug.Log("token", "rotated", "chain_id", chain.ID, "generation", chain.Generation)
	return pair, nil
}

func (s *Service) reuseDetected(ctx context.Context, chain *Chain, presented uint64) error {
	if err := s.chains.Revoke(ctx, chain.ID); err != nil {
		s.logger.Error("revoking reused refresh chain", "chain_id", chain.ID, "error", err)
	}
	observability.TokenReuseDetectedTotal.Inc()
	s.logger.Warn("refresh token reuse detected",
		"chain_id", chain.ID,
		"tenant_id", chain.TenantID,
		"subject", chain.Subject,
		"presented_generation", presented,
	)
	s.audit.Emit(ctx, audit.Stamp(ctx, audit.Event{
		Time:     s.clock.Now(),
		Type:     audit.EventTokenReuseDetected,
		Status:   audit.StatusDenied,
		Priority: audit.PriorityHigh,
		Subject:  chain.Subject,
		TenantID: chain.TenantID,
		Reason:   "token_reuse",
		Attrs:    map[string]string{"chain_id": chain.ID},
	}))
	return fmt.Errorf("chain %s generation %d: %w", chain.ID, presented, api.ErrTokenReuse)
}

// Inspect verifies the signature and type of a refresh token without
// checking its time claims or touching the chain store.
func (s *Service) Inspect(raw string) (*Claims, error) {
	return s.parse(raw, TypeRefresh, false)
}

// Revoke ends the chain named by a refresh token. Expired tokens are
// accepted so a client can always log out.
func (s *Service) Revoke(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.parse(raw, TypeRefresh, false)
	if err != nil {
		return nil, err
	}
	if err := s.chains.Revoke(ctx, claims.ChainID); err != nil && !errors.Is(err, ErrChainNotFound) {
		return nil, fmt.Errorf("revoking refresh chain: %w", err)
	}
	return claims, nil
}

// RevokeSubject ends every chain of subject in tenantID.
func (s *Service) RevokeSubject(ctx context.Context, tenantID, subject string) (int, error) {
	n, err := s.chains.RevokeSubject(ctx, tenantID, subject)
	if err != nil {
		return 0, fmt.Errorf("revoking chains of %s: %w", subject, err)
	}
	return n, nil
}

// PurgeExpired deletes chains whose deadline has passed.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	return s.chains.DeleteExpired(ctx, s.clock.Now())
}

func (s *Service) sign(chain *Chain, now time.Time) (*Pair, error) {
	accessExp := now.Add(s.cfg.AccessTTL)
	access := &Claims{
		RegisteredClaims: s.registered(chain.Subject, now, accessExp),
		TenantID:         chain.TenantID,
		Roles:            chain.Roles,
		Type:             TypeAccess,
	}
	refresh := &Claims{
		RegisteredClaims: s.registered(chain.Subject, now, chain.Deadline),
		TenantID:         chain.TenantID,
		Type:             TypeRefresh,
		ChainID:          chain.ID,
		Generation:       chain.Generation,
	}

	accessStr, err := s.signClaims(access)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}
	refreshStr, err := s.signClaims(refresh)
	if err != nil {
		return nil, fmt.Errorf("signing refresh token: %w", err)
	}

	return &Pair{
		AccessToken:      accessStr,
		RefreshToken:     refreshStr,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: chain.Deadline,
		ChainID:          chain.ID,
		Generation:       chain.Generation,
		Subject:          chain.Subject,
		TenantID:         chain.TenantID,
		IssuedAt:         now,
	}, nil
}

func (s *Service) registered(subject string, now, exp time.Time) jwt.RegisteredClaims {
	rc := jwt.RegisteredClaims{
		Issuer:    s.cfg.Issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	if s.cfg.Audience != "" {
		rc.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}
	return rc
}

func (s *Service) signClaims(c *Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	t.Header["kid"] = s.keys.KeyID()
	return t.SignedString(s.keys.signing)
}

// parse verifies signature, issuer and type. With validate set, time
// claims are checked against the service clock as well.
func (s *Service) parse(raw string, want Type, validate bool) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if s.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.cfg.Audience))
	}
	if !validate {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, s.keyFunc, opts...)
	if err != nil {
		debug.Log("token", "parse failed", "type", string(want), "error", err)
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("%w: %v", api.ErrSignatureInvalid, err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %v", api.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", api.ErrSignatureInvalid, err)
	}

	if claims.Type != want {
		return nil, fmt.Errorf("%w: token type %q, want %q", api.ErrSignatureInvalid, claims.Type, want)
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return nil, fmt.Errorf("%w: missing sub or tid claim", api.ErrSignatureInvalid)
	}
	if want == TypeRefresh && (claims.ChainID == "" || claims.Generation == 0) {
		return nil, fmt.Errorf("%w: missing cid or gen claim", api.ErrSignatureInvalid)
	}
	return claims, nil
}

func (s *Service) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token missing kid header")
	}
	pub, ok := s.keys.PublicKey(kid)
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return pub, nil
}

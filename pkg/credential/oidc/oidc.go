// Package oidc validates credentials against an OpenID Connect provider
// such as Keycloak using the resource-owner password grant.
//
// The provider's token is verified against its JWKS before any claim is
// trusted. Roles come from realm_access.roles. The tenant comes from a
// configured claim, or else from a realm role named tenant_<id>.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/rhuss/pforte/pkg/api"
	"github.com/rhuss/pforte/pkg/credential"
	"github.com/rhuss/pforte/pkg/debug"
)

// TenantRolePrefix marks realm roles that carry a tenant id.
const TenantRolePrefix = "tenant_"

// Config holds the provider settings.
type Config struct {
	TokenURL     string   `yaml:"token_url"`
	JWKSURL      string   `yaml:"jwks_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`

	// Issuer is the expected iss claim. If empty, issuer is not validated.
	Issuer string `yaml:"issuer"`
	// Audience is the expected aud claim. If empty, audience is not validated.
	Audience string `yaml:"audience"`

	// SubjectClaim names the claim used as token subject. Default: "sub".
	SubjectClaim string `yaml:"subject_claim"`
	// TenantClaim names a claim carrying the tenant id. When empty the
	// tenant is taken from a tenant_<id> realm role.
	TenantClaim string `yaml:"tenant_claim"`

	// CacheTTL controls how long JWKS keys are cached. Default: 1 hour.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	HTTPClient *http.Client `yaml:"-"`
	Clock      clock.Clock  `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.SubjectClaim == "" {
		c.SubjectClaim = "sub"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{"openid"}
	}
}

// Validator is a credential.Validator backed by an OIDC provider.
type Validator struct {
	cfg   Config
	oauth *oauth2.Config
	jwks  *jwksCache
}

// Ensure Validator implements credential.Validator at compile time.
var _ credential.Validator = (*Validator)(nil)

// New creates a validator for the provider described by cfg.
func New(cfg Config) (*Validator, error) {
	if cfg.TokenURL == "" || cfg.JWKSURL == "" || cfg.ClientID == "" {
		return nil, errors.New("oidc: token_url, jwks_url and client_id are required")
	}
	cfg.applyDefaults()

	return &Validator{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		jwks: &jwksCache{
			url:    cfg.JWKSURL,
			client: cfg.HTTPClient,
			ttl:    cfg.CacheTTL,
			clock:  cfg.Clock,
		},
	}, nil
}

// Validate exchanges the credentials for a provider token and derives
// the identity from its verified claims.
func (v *Validator) Validate(ctx context.Context, c credential.Credentials) (*credential.Identity, error) {
	if c.Username == "" || c.Password == "" {
		return nil, fmt.Errorf("%w: %w", api.ErrInvalidCredentials, credential.ErrMissingCredentials)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, v.cfg.HTTPClient)
	tok, err := v.oauth.PasswordCredentialsToken(ctx, c.Username, c.Password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			debug.Log("credential", "token endpoint rejected grant",
				"status", re.Response.StatusCode, "code", re.ErrorCode, "body", debug.Payload(string(re.Body)))
			switch re.Response.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized:
				return nil, fmt.Errorf("provider rejected credentials (%s): %w", re.ErrorCode, api.ErrInvalidCredentials)
			}
			return nil, fmt.Errorf("token endpoint returned status %d", re.Response.StatusCode)
		}
		return nil, fmt.Errorf("requesting provider token: %w", err)
	}

	raw := tok.AccessToken
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		raw = idToken
	}
	return v.identity(ctx, raw, c.TenantID)
}

func (v *Validator) identity(ctx context.Context, raw, requested string) (*credential.Identity, error) {
	claims := jwtlib.MapClaims{}
	_, err := jwtlib.ParseWithClaims(raw, claims, func(t *jwtlib.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("token missing kid header")
		}
		return v.jwks.key(ctx, kid)
	}, v.parserOptions()...)
	if err != nil {
		// Counted against the provider, not the user.
		return nil, fmt.Errorf("verifying provider token: %w", err)
	}

	subject := claimString(claims, v.cfg.SubjectClaim)
	if subject == "" {
		return nil, fmt.Errorf("provider token missing %q claim", v.cfg.SubjectClaim)
	}

	roles := realmRoles(claims)
	var tenantID string
	if v.cfg.TenantClaim != "" {
		tenantID = claimString(claims, v.cfg.TenantClaim)
	} else {
		tenantID = tenantFromRoles(roles, requested)
	}

	return &credential.Identity{
		Subject:  subject,
		TenantID: tenantID,
		Roles:    roles,
	}, nil
}

func (v *Validator) parserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwtlib.WithTimeFunc(v.cfg.Clock.Now),
		jwtlib.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(v.cfg.Audience))
	}
	return opts
}

func claimString(claims jwtlib.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

// realmRoles reads realm_access.roles.
func realmRoles(claims jwtlib.MapClaims) []string {
	access, ok := claims["realm_access"].(map[string]any)
	if !ok {
		return nil
	}
	list, ok := access["roles"].([]any)
	if !ok {
		return nil
	}
	var roles []string
	for _, r := range list {
		if s, ok := r.(string); ok && s != "" {
			roles = append(roles, s)
		}
	}
	return roles
}

// tenantFromRoles returns requested if the roles grant it, otherwise the
// first tenant found in the roles.
func tenantFromRoles(roles []string, requested string) string {
	if requested != "" && slices.Contains(roles, TenantRolePrefix+requested) {
		return requested
	}
	for _, r := range roles {
		if id, ok := strings.CutPrefix(r, TenantRolePrefix); ok && id != "" {
			return id
		}
	}
	return ""
}

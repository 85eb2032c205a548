package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rhuss/pforte/pkg/quota"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Server.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_size must be > 0, got %d", c.Server.MaxBodySize))
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, errors.New("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\" or \"postgres\", got %q", c.Storage.Type))
	}

	if c.Tokens.AccessTTL <= 0 {
		errs = append(errs, errors.New("tokens.access_ttl must be positive"))
	}
	if c.Tokens.ChainTTL <= c.Tokens.AccessTTL {
		errs = append(errs, errors.New("tokens.chain_ttl must be longer than tokens.access_ttl"))
	}
	if len(c.Tokens.RetiredKeyFiles) > 0 && c.Tokens.SigningKeyFile == "" {
		errs = append(errs, errors.New("tokens.retired_key_files requires tokens.signing_key_file"))
	}

	if c.Tenants.CacheTTL < 0 {
		errs = append(errs, errors.New("tenants.cache_ttl must not be negative"))
	}
	for i, t := range c.Tenants.Seed {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("tenants.seed[%d].id is required", i))
		}
		if t.Status != "" && !t.Status.Valid() {
			errs = append(errs, fmt.Errorf("tenants.seed[%d].status %q is invalid", i, t.Status))
		}
	}

	switch c.Credentials.Type {
	case "static":
		for i, u := range c.Credentials.Users {
			if u.TenantID == "" || u.Username == "" || u.PasswordHash == "" {
				errs = append(errs, fmt.Errorf("credentials.users[%d]: tenant_id, username and password_hash are required", i))
			}
		}
	case "oidc":
		o := c.Credentials.OIDC
		if o.TokenURL == "" {
			errs = append(errs, errors.New("credentials.oidc.token_url is required"))
		}
		if o.JWKSURL == "" {
			errs = append(errs, errors.New("credentials.oidc.jwks_url is required"))
		}
		if o.ClientID == "" {
			errs = append(errs, errors.New("credentials.oidc.client_id is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("credentials.type must be \"static\" or \"oidc\", got %q", c.Credentials.Type))
	}

	if err := c.Breaker.Config.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("breaker: %w", err))
	}
	for name, bc := range c.Breaker.Targets {
		if err := bc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("breaker.targets.%s: %w", name, err))
		}
	}

	for i, p := range c.RateLimits {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rate_limits[%d]: %w", i, err))
		}
	}

	for res, l := range c.Quotas {
		if res != quota.ResourceSessions && res != quota.ResourceAPIRequests {
			errs = append(errs, fmt.Errorf("quotas: unknown resource %q", res))
			continue
		}
		if l.Limit <= 0 || l.Window <= 0 {
			errs = append(errs, fmt.Errorf("quotas.%s: limit and window must be positive", res))
		}
	}

	if c.Audit.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("audit.buffer_size must be > 0, got %d", c.Audit.BufferSize))
	}

	for i, k := range c.Admin.APIKeys {
		if k.Key.Key == "" && k.SHA256 == "" && k.KeyFile == "" {
			errs = append(errs, fmt.Errorf("admin.api_keys[%d]: one of key, key_file or sha256 is required", i))
		}
		if k.Subject == "" {
			errs = append(errs, fmt.Errorf("admin.api_keys[%d].subject is required", i))
		}
	}

	if c.Observability.Metrics.Enabled && !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("observability.metrics.path must start with /, got %q", c.Observability.Metrics.Path))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

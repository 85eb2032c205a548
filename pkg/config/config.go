// Package config provides unified configuration for the pforte server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (PFORTE_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import (
	"time"

	"github.com/rhuss/pforte/pkg/auth/apikey"
	"github.com/rhuss/pforte/pkg/breaker"
	"github.com/rhuss/pforte/pkg/credential/oidc"
	"github.com/rhuss/pforte/pkg/credential/static"
	"github.com/rhuss/pforte/pkg/quota"
	"github.com/rhuss/pforte/pkg/ratelimit"
	"github.com/rhuss/pforte/pkg/tenant"
	"github.com/rhuss/pforte/pkg/token"
)

// Config holds all configuration for the pforte server.
type Config struct {
	Server        ServerConfig                   `yaml:"server"`
	Storage       StorageConfig                  `yaml:"storage"`
	Tokens        TokensConfig                   `yaml:"tokens"`
	Tenants       TenantsConfig                  `yaml:"tenants"`
	Credentials   CredentialsConfig              `yaml:"credentials"`
	Breaker       BreakerConfig                  `yaml:"breaker"`
	RateLimits    []ratelimit.Policy             `yaml:"rate_limits"`
	Quotas        map[quota.Resource]quota.Limit `yaml:"quotas"`
	Audit         AuditConfig                    `yaml:"audit"`
	Admin         AdminConfig                    `yaml:"admin"`
	Observability ObservabilityConfig            `yaml:"observability"`
	Logging       LoggingConfig                  `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port              int           `yaml:"port"`                // default: 8080
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"` // default: 10s
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`    // default: 30s
	MaxBodySize       int64         `yaml:"max_body_size"`       // default: 64 KiB
	// TrustForwardedFor takes the client address from X-Forwarded-For.
	// Only enable behind a proxy that overwrites the header.
	TrustForwardedFor bool `yaml:"trust_forwarded_for"`
}

// StorageConfig holds state management settings.
type StorageConfig struct {
	Type     string         `yaml:"type"` // "memory" or "postgres", default: "memory"
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	DSNFile         string        `yaml:"dsn_file"`          // _file variant for dsn
	MaxConns        int32         `yaml:"max_conns"`         // default: 25
	MinConns        int32         `yaml:"min_conns"`         // default: 2
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"` // default: 5m
	MigrateOnStart  bool          `yaml:"migrate_on_start"`  // default: false
	ListenReconnect time.Duration `yaml:"listen_reconnect"`  // default: 2s
}

// TokensConfig holds token signing settings.
type TokensConfig struct {
	token.Config `yaml:",inline"`

	// SigningKeyFile is a PEM RSA private key. When empty an ephemeral
	// key is generated at startup.
	SigningKeyFile string `yaml:"signing_key_file"`
	// KeyID is the kid header of issued tokens. Default: the key's
	// thumbprint.
	KeyID string `yaml:"key_id"`
	// RetiredKeyFiles are PEM public keys still accepted for verification.
	RetiredKeyFiles []string `yaml:"retired_key_files"`
	// PurgeInterval is how often expired chains are deleted. Default: 1h.
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// TenantsConfig holds tenant registry settings.
type TenantsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"` // default: 5m
	// Seed tenants are created at startup if they do not exist yet.
	Seed []tenant.Tenant `yaml:"seed"`
}

// CredentialsConfig selects and configures the credential backend.
type CredentialsConfig struct {
	Type  string        `yaml:"type"` // "static" or "oidc", default: "static"
	Users []static.User `yaml:"users"`
	OIDC  OIDCConfig    `yaml:"oidc"`
}

// OIDCConfig configures the identity provider backend.
type OIDCConfig struct {
	oidc.Config      `yaml:",inline"`
	ClientSecretFile string `yaml:"client_secret_file"` // _file variant for client_secret
}

// BreakerConfig holds circuit breaker thresholds. Targets overrides the
// defaults per dependency name.
type BreakerConfig struct {
	breaker.Config `yaml:",inline"`
	Targets        map[string]breaker.Config `yaml:"targets"`
}

// AuditConfig controls audit event delivery.
type AuditConfig struct {
	BufferSize int  `yaml:"buffer_size"`  // default: 1024
	DropIfFull bool `yaml:"drop_if_full"` // default: true
}

// AdminConfig holds operator access settings.
type AdminConfig struct {
	APIKeys []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	apikey.Key `yaml:",inline"`
	KeyFile    string `yaml:"key_file"` // _file variant for key
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// LoggingConfig holds log output settings. PFORTE_LOG_LEVEL and
// PFORTE_DEBUG take precedence.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // TRACE, DEBUG, INFO, WARN, ERROR; default: INFO
	Format string `yaml:"format"` // "text" or "json", default: "text"
	Debug  string `yaml:"debug"`  // comma separated debug categories
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			MaxBodySize:       64 << 10,
		},
		Storage: StorageConfig{
			Type: "memory",
			Postgres: PostgresConfig{
				MaxConns:        25,
				MinConns:        2,
				MaxConnLifetime: 5 * time.Minute,
				ListenReconnect: 2 * time.Second,
			},
		},
		Tokens: TokensConfig{
			Config: token.Config{
				Issuer:    "pforte",
				AccessTTL: token.DefaultAccessTTL,
				ChainTTL:  token.DefaultChainTTL,
			},
			PurgeInterval: time.Hour,
		},
		Tenants: TenantsConfig{
			CacheTTL: 5 * time.Minute,
		},
		Credentials: CredentialsConfig{
			Type: "static",
			OIDC: OIDCConfig{
				Config: oidc.Config{
					SubjectClaim: "sub",
					CacheTTL:     time.Hour,
				},
			},
		},
		Breaker: BreakerConfig{
			Config: breaker.DefaultConfig(),
		},
		RateLimits: ratelimit.DefaultPolicies(),
		Quotas:     quota.DefaultLimits(),
		Audit: AuditConfig{
			BufferSize: 1024,
			DropIfFull: true,
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PFORTE_"

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, PFORTE_CONFIG env, ./config.yaml, /etc/pforte/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. PFORTE_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/pforte/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv(EnvPrefix + "CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/pforte/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnvOverrides maps environment variables to config fields. Values
// that fail to parse are reported instead of silently ignored.
func applyEnvOverrides(cfg *Config) error {
	env := func(name string) string { return os.Getenv(EnvPrefix + name) }

	if v := env("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPORT: %w", EnvPrefix, err)
		}
		cfg.Server.Port = port
	}
	if v := env("TRUST_FORWARDED_FOR"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sTRUST_FORWARDED_FOR: %w", EnvPrefix, err)
		}
		cfg.Server.TrustForwardedFor = b
	}
	if v := env("STORAGE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := env("POSTGRES_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := env("SIGNING_KEY_FILE"); v != "" {
		cfg.Tokens.SigningKeyFile = v
	}
	if v := env("ISSUER"); v != "" {
		cfg.Tokens.Issuer = v
	}
	if v := env("CREDENTIALS"); v != "" {
		cfg.Credentials.Type = v
	}
	if v := env("OIDC_TOKEN_URL"); v != "" {
		cfg.Credentials.OIDC.TokenURL = v
	}
	if v := env("OIDC_JWKS_URL"); v != "" {
		cfg.Credentials.OIDC.JWKSURL = v
	}
	if v := env("OIDC_CLIENT_ID"); v != "" {
		cfg.Credentials.OIDC.ClientID = v
	}
	if v := env("OIDC_CLIENT_SECRET"); v != "" {
		cfg.Credentials.OIDC.ClientSecret = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// PFORTE_ADMIN_API_KEYS: JSON array of API key configs.
	if v := env("ADMIN_API_KEYS"); v != "" {
		keys, err := parseAPIKeys(v)
		if err != nil {
			return fmt.Errorf("%sADMIN_API_KEYS: %w", EnvPrefix, err)
		}
		cfg.Admin.APIKeys = keys
	}
	return nil
}

// parseAPIKeys parses a JSON array of API key configurations. JSON is
// decoded with the YAML decoder so the field names match the file format.
func parseAPIKeys(s string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := yaml.Unmarshal([]byte(s), &keys); err != nil {
		return nil, fmt.Errorf("parsing API keys: %w", err)
	}
	return keys, nil
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	if cfg.Storage.Postgres.DSNFile != "" && cfg.Storage.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Storage.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("storage.postgres.dsn_file: %w", err)
		}
		cfg.Storage.Postgres.DSN = val
	}

	oc := &cfg.Credentials.OIDC
	if oc.ClientSecretFile != "" && oc.ClientSecret == "" {
		val, err := readSecretFile(oc.ClientSecretFile)
		if err != nil {
			return fmt.Errorf("credentials.oidc.client_secret_file: %w", err)
		}
		oc.ClientSecret = val
	}

	for i := range cfg.Admin.APIKeys {
		k := &cfg.Admin.APIKeys[i]
		if k.KeyFile != "" && k.Key.Key == "" {
			val, err := readSecretFile(k.KeyFile)
			if err != nil {
				return fmt.Errorf("admin.api_keys[%d].key_file: %w", i, err)
			}
			k.Key.Key = val
		}
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

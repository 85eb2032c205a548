// Command server runs the pforte authentication and session service.
//
// Configuration is read from a YAML file (PFORTE_CONFIG, ./config.yaml or
// /etc/pforte/config.yaml) with PFORTE_* environment overrides; see
// pkg/config for the full list.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rhuss/pforte/pkg/audit"
	"github.com/rhuss/pforte/pkg/auth/apikey"
	"github.com/rhuss/pforte/pkg/breaker"
	"github.com/rhuss/pforte/pkg/config"
	"github.com/rhuss/pforte/pkg/credential"
	"github.com/rhuss/pforte/pkg/credential/oidc"
	"github.com/rhuss/pforte/pkg/credential/static"
	"github.com/rhuss/pforte/pkg/debug"
	"github.com/rhuss/pforte/pkg/engine"
	"github.com/rhuss/pforte/pkg/quota"
	"github.com/rhuss/pforte/pkg/ratelimit"
	"github.com/rhuss/pforte/pkg/storage"
	"github.com/rhuss/pforte/pkg/storage/memory"
	"github.com/rhuss/pforte/pkg/storage/postgres"
	"github.com/rhuss/pforte/pkg/tenant"
	"github.com/rhuss/pforte/pkg/token"
	transporthttp "github.com/rhuss/pforte/pkg/transport/http"
)

// limiterSweepInterval is how often idle rate limit counters are dropped.
const limiterSweepInterval = time.Minute

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// backend is the storage selected by configuration.
type backend struct {
	tenants interface {
		tenant.Store
		Create(ctx context.Context, t *tenant.Tenant) error
	}
	chains  token.ChainStore
	changes func(ctx context.Context) <-chan tenant.Change
	health  transporthttp.HealthCheck
	close   func() error
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	debug.Init(cfg.Logging.Debug, cfg.Logging.Level, cfg.Logging.Format)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()
	if err := seedTenants(ctx, be, cfg.Tenants.Seed, logger); err != nil {
		return err
	}

	dispatcher := audit.NewDispatcher(audit.DispatcherConfig{
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, audit.NewLogSink(logger.With("component", "audit")))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dispatcher.Close(closeCtx); err != nil {
			logger.Warn("audit events lost on shutdown", "error", err)
		}
	}()

	registry := tenant.NewRegistry(be.tenants,
		tenant.WithTTL(cfg.Tenants.CacheTTL),
		tenant.WithLogger(logger),
	)

	keys, err := loadKeys(cfg.Tokens, logger)
	if err != nil {
		return err
	}
	tokens := token.NewService(cfg.Tokens.Config, keys, be.chains, registry,
		token.WithAudit(dispatcher),
		token.WithLogger(logger),
	)

	breakers := breaker.NewSet(cfg.Breaker.Config, cfg.Breaker.Targets,
		breaker.WithStateChange(engine.CircuitAuditHook(dispatcher, nil)),
	)
	validator, err := newValidator(cfg.Credentials)
	if err != nil {
		return err
	}
	validator = credential.Guard(validator, breakers.Get(cfg.Credentials.Type))

	counters := ratelimit.NewCounters()
	limiter, err := ratelimit.New(cfg.RateLimits, ratelimit.WithCounters(counters))
	if err != nil {
		return fmt.Errorf("creating rate limiter: %w", err)
	}
	quotas, err := quota.NewManager(registry, cfg.Quotas, quota.WithCounters(counters))
	if err != nil {
		return fmt.Errorf("creating quota manager: %w", err)
	}

	eng, err := engine.New(engine.Deps{
		Limiter:   limiter,
		Validator: validator,
		Tokens:    tokens,
		Tenants:   registry,
		Quotas:    quotas,
		Audit:     dispatcher,
	}, engine.Config{PurgeInterval: cfg.Tokens.PurgeInterval}, engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	var admins *apikey.Authenticator
	if len(cfg.Admin.APIKeys) > 0 {
		entries := make([]apikey.Key, len(cfg.Admin.APIKeys))
		for i, k := range cfg.Admin.APIKeys {
			entries[i] = k.Key
		}
		if admins, err = apikey.New(entries); err != nil {
			return fmt.Errorf("admin api keys: %w", err)
		}
	}

	metricsPath := ""
	if cfg.Observability.Metrics.Enabled {
		metricsPath = cfg.Observability.Metrics.Path
	}
	adapter, err := transporthttp.NewAdapter(transporthttp.Deps{
		Sessions: eng,
		Verifier: eng,
		Keys:     keys,
		Limiter:  limiter,
		Tenants:  registry,
		APIKeys:  admins,
		Health:   map[string]transporthttp.HealthCheck{"storage": be.health},
	}, transporthttp.Config{
		MaxBodySize:       cfg.Server.MaxBodySize,
		TrustForwardedFor: cfg.Server.TrustForwardedFor,
		MetricsPath:       metricsPath,
	}, transporthttp.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating http adapter: %w", err)
	}

	srv := transporthttp.NewServer(adapter.Handler(),
		transporthttp.WithAddr(":"+strconv.Itoa(cfg.Server.Port)),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithServerLogger(logger),
	)

	logger.Info("pforte starting",
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Type,
		"credentials", cfg.Credentials.Type,
		"issuer", cfg.Tokens.Issuer,
		"kid", keys.KeyID(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error {
		registry.Watch(gctx, be.changes(gctx))
		return nil
	})
	g.Go(func() error {
		limiter.Run(gctx, limiterSweepInterval)
		return nil
	})
	g.Go(func() error {
		eng.Run(gctx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Storage.Type {
	case "postgres":
		pc := cfg.Storage.Postgres
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             pc.DSN,
			MaxConns:        pc.MaxConns,
			MinConns:        pc.MinConns,
			MaxConnLifetime: pc.MaxConnLifetime,
			MigrateOnStart:  pc.MigrateOnStart,
			ListenReconnect: pc.ListenReconnect,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return &backend{
			tenants: store.Tenants(),
			chains:  store.Chains(),
			changes: store.Changes,
			health:  store.HealthCheck,
			close:   store.Close,
		}, nil
	default:
		tenants := memory.NewTenantStore()
		return &backend{
			tenants: tenants,
			chains:  memory.NewChainStore(),
			changes: tenants.Changes,
			health:  tenants.HealthCheck,
			close:   func() error { return nil },
		}, nil
	}
}

func seedTenants(ctx context.Context, be *backend, seed []tenant.Tenant, logger *slog.Logger) error {
	for i := range seed {
		t := seed[i]
		if t.Status == "" {
			t.Status = tenant.StatusActive
		}
		err := be.tenants.Create(ctx, &t)
		switch {
		case errors.Is(err, storage.ErrConflict):
			logger.Debug("seed tenant exists", "tenant_id", t.ID)
		case err != nil:
			return fmt.Errorf("seeding tenant %s: %w", t.ID, err)
		default:
			logger.Info("seed tenant created", "tenant_id", t.ID, "status", t.Status)
		}
	}
	return nil
}

func loadKeys(cfg config.TokensConfig, logger *slog.Logger) (*token.KeySet, error) {
	if cfg.SigningKeyFile == "" {
		logger.Warn("no signing key configured, generating an ephemeral key; tokens will not survive a restart")
		return token.GenerateKeySet()
	}
	keys, err := token.LoadKeySet(cfg.SigningKeyFile, cfg.KeyID, cfg.RetiredKeyFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading signing keys: %w", err)
	}
	return keys, nil
}

func newValidator(cfg config.CredentialsConfig) (credential.Validator, error) {
	switch cfg.Type {
	case "oidc":
		v, err := oidc.New(cfg.OIDC.Config)
		if err != nil {
			return nil, fmt.Errorf("creating oidc validator: %w", err)
		}
		return v, nil
	default:
		if len(cfg.Users) == 0 {
			slog.Warn("static credentials configured without users; every login will fail")
		}
		v, err := static.New(cfg.Users)
		if err != nil {
			return nil, fmt.Errorf("creating static validator: %w", err)
		}
		return v, nil
	}
}

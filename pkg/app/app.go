// Package app assembles the campusauth components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/campusauth/pkg/accesstoken"
	"github.com/platinummonkey/campusauth/pkg/async"
	"github.com/platinummonkey/campusauth/pkg/authn"
	"github.com/platinummonkey/campusauth/pkg/cache"
	"github.com/platinummonkey/campusauth/pkg/config"
	"github.com/platinummonkey/campusauth/pkg/credentials"
	"github.com/platinummonkey/campusauth/pkg/observability"
	"github.com/platinummonkey/campusauth/pkg/passwordreset"
	"github.com/platinummonkey/campusauth/pkg/ratelimit"
	"github.com/platinummonkey/campusauth/pkg/refreshtoken"
	"github.com/platinummonkey/campusauth/pkg/retention"
	"github.com/platinummonkey/campusauth/pkg/sessions"
	"github.com/platinummonkey/campusauth/pkg/storage"
	"github.com/platinummonkey/campusauth/pkg/storage/memory"
	"github.com/platinummonkey/campusauth/pkg/storage/postgres"
)

// Version is reported by the readiness endpoint
var Version = "dev"

// App holds the wired components of a running process
type App struct {
	Config   *config.Config
	Logger   *observability.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Store    storage.Store
	Cache    cache.Cache
	Runner   *async.Runner
	Sweeper  *retention.Sweeper
	Service  *authn.Service
	Health   *observability.HealthChecker
}

// New builds every component. The caller owns the returned App and must
// Close it.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*App, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Runner:   async.NewRunner(logger.WithField("component", "async")),
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = observability.NewMetrics(a.Registry)

	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store

	c, err := openCache(cfg.Storage)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.Cache = c

	if err := a.wire(); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Health = observability.NewHealthChecker(
		observability.PingFunc(store.HealthCheck),
		observability.PingFunc(c.Ping),
		Version,
	)
	return a, nil
}

func (a *App) wire() error {
	cfg := a.Config
	logger := a.Logger

	issuer, err := accesstoken.NewIssuer(accesstoken.Config{
		Secret: []byte(cfg.Auth.SigningSecret),
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.AccessTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create access token issuer: %w", err)
	}

	hasher := credentials.NewBcryptHasher(cfg.Auth.BcryptCost)
	policyConfig := credentials.DefaultPolicyConfig()
	if cfg.Auth.PasswordMinLength > 0 {
		policyConfig.MinLength = cfg.Auth.PasswordMinLength
	}
	policy := credentials.NewPolicy(policyConfig)

	registry := sessions.NewRegistry(a.Store, sessions.Config{
		Logger:  logger.WithField("component", "sessions"),
		Metrics: a.Metrics,
	})

	refresh := refreshtoken.NewManager(a.Store, a.Cache, hasher, registry, refreshtoken.Config{
		TTL:     cfg.Auth.RefreshTTL,
		Logger:  logger.WithField("component", "refreshtoken"),
		Metrics: a.Metrics,
	})

	limiter := ratelimit.NewLimiter(a.Store, ratelimit.Config{
		Window:    cfg.Auth.RateLimitWindow,
		Threshold: cfg.Auth.RateLimitThreshold,
		Logger:    logger.WithField("component", "ratelimit"),
		Metrics:   a.Metrics,
	})

	resets, err := passwordreset.NewFlow(passwordreset.Dependencies{
		Identities: a.Store,
		Cache:      a.Cache,
		Hasher:     hasher,
		Policy:     policy,
		Refresh:    refresh,
		Sessions:   registry,
		Notifier:   passwordreset.NewLogNotifier(logger.WithField("component", "notifier")),
		Runner:     a.Runner,
	}, passwordreset.Config{
		TTL:     cfg.Auth.ResetTTL,
		Logger:  logger.WithField("component", "passwordreset"),
		Metrics: a.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create password reset flow: %w", err)
	}

	otelMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		return fmt.Errorf("failed to create otel instruments: %w", err)
	}

	a.Service, err = authn.NewService(authn.Dependencies{
		Identities: a.Store,
		Hasher:     hasher,
		Policy:     policy,
		Issuer:     issuer,
		Refresh:    refresh,
		Sessions:   registry,
		Limiter:    limiter,
		Resets:     resets,
	}, authn.Config{
		Logger:      logger.WithField("component", "authn"),
		Metrics:     a.Metrics,
		OTelMetrics: otelMetrics,
		Tracer:      observability.Tracer(),
		DefaultRole: cfg.Auth.DefaultRole,
	})
	if err != nil {
		return fmt.Errorf("failed to create auth service: %w", err)
	}

	a.Sweeper, err = retention.NewSweeper(a.Store, retention.Config{
		SessionSchedule:      cfg.Retention.SessionSchedule,
		LoginAttemptSchedule: cfg.Retention.LoginAttemptSchedule,
		RefreshSchedule:      cfg.Retention.RefreshSchedule,
		AuditRetentionYears:  cfg.Retention.AuditRetentionYears,
		Logger:               logger.WithField("component", "retention"),
		Metrics:              a.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create retention sweeper: %w", err)
	}

	return nil
}

// Start launches background work
func (a *App) Start() {
	if a.Config.Retention.Enabled {
		a.Sweeper.Start()
		a.Logger.Info("Retention sweeper started")
	}
}

// RegisterShutdown registers the App's teardown steps in order: sweeper,
// in-flight background tasks, then the store and cache
func (a *App) RegisterShutdown(sm *observability.ShutdownManager) {
	sm.RegisterShutdownFunc("retention sweeper", a.Sweeper.Stop)
	sm.RegisterShutdownFunc("background tasks", a.Runner.Wait)
	sm.RegisterShutdownFunc("store", func(context.Context) error { return a.Store.Close() })
	sm.RegisterShutdownFunc("cache", func(context.Context) error { return a.Cache.Close() })
}

// Close releases the store and cache without waiting on the sweeper
func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg storage.Config, logger *observability.Logger) (storage.Store, error) {
	switch cfg.Type {
	case storage.TypeMemory, "":
		logger.Warn("Using in-memory storage; data is lost on restart")
		return memory.New(), nil
	case storage.TypePostgres:
		cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
			PrimaryURL:  cfg.PostgresURL,
			ReplicaURLs: cfg.PostgresReplicaURLs,
			MaxConns:    cfg.PostgresMaxConns,
			MinConns:    cfg.PostgresMinConns,
			Timeout:     cfg.PostgresTimeout,
			MaxLifetime: cfg.PostgresMaxLifetime,
			MaxIdleTime: cfg.PostgresMaxIdleTime,
			Logger:      logger.WithField("component", "postgres"),
		})
		if err != nil {
			return nil, err
		}

		store := postgres.NewStore(cm)
		if cfg.EnsureSchema {
			schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := store.EnsureSchema(schemaCtx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("failed to ensure schema: %w", err)
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func openCache(cfg storage.Config) (cache.Cache, error) {
	switch cfg.CacheType {
	case storage.CacheMemory, "":
		return cache.NewMemory(cfg.MemoryCacheSize)
	case storage.CacheRedis:
		return cache.NewRedis(cache.RedisConfig{
			URL:        cfg.RedisURL,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			MaxRetries: cfg.RedisMaxRetries,
			PoolSize:   cfg.RedisPoolSize,
		})
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.CacheType)
	}
}

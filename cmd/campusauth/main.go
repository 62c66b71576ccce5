package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/campusauth/pkg/app"
	"github.com/platinummonkey/campusauth/pkg/config"
	"github.com/platinummonkey/campusauth/pkg/observability"
)

func main() {
	runOnce := flag.Bool("run-once", false, "Run every retention job once and exit")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(app.Version)
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)

	if err := run(cfg, logger, *runOnce); err != nil {
		logger.WithError(err).Error("campusauth exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger, runOnce bool) error {
	ctx := context.Background()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = observability.ShutdownOTel(ctx, providers, logger)
		return fmt.Errorf("failed to initialize: %w", err)
	}

	if runOnce {
		return sweepOnce(ctx, a, providers)
	}

	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(a.Metrics))
	observability.RegisterHealthRoutes(router, a.Health)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(router, a.Registry)
	}

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(router, "campusauth"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Kubernetes probes listen separately
	probes := mux.NewRouter()
	observability.RegisterHealthRoutes(probes, a.Health)
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           probes,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sm := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc("health server", healthServer.Shutdown)
	a.RegisterShutdown(sm)
	sm.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	a.Start()

	serveErr := make(chan error, 2)
	for _, srv := range []*http.Server{server, healthServer} {
		go func() {
			defer observability.RecoverPanic(logger, "http server")
			logger.Infof("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("%s: %w", srv.Addr, err)
			}
		}()
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := <-serveErr; err != nil {
			logger.WithError(err).Error("HTTP server failed")
			cancel()
		}
	}()

	return sm.WaitForShutdown(waitCtx)
}

func sweepOnce(ctx context.Context, a *app.App, providers *observability.OTelProviders) error {
	result, err := a.Sweeper.RunOnce(ctx)
	for job, deleted := range result {
		a.Logger.WithFields(map[string]interface{}{"job": job, "deleted": deleted}).Info("Retention job finished")
	}

	return errors.Join(err, a.Close(), observability.ShutdownOTel(ctx, providers, a.Logger))
}

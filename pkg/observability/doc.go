// Package observability provides structured logging, Prometheus metrics, OpenTelemetry
// tracing, health checks and graceful shutdown for campusauth.
//
// # Structured Logging
//
// JSON logs via logrus:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("user_id", id).WithError(err).Warn("refresh rejected")
//
// Context-aware logging picks up request id, user id and the active span:
//
//	log := observability.FromContext(ctx, logger)
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordLogin("success")
//	metrics.RecordSweep("sessions", deleted, err)
//
// A nil *Metrics is valid and records nothing, so components can run without
// a registry in tests.
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "campusauth",
//		Insecure:    true,
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
//	ctx, span := observability.Tracer().Start(ctx, "authn.Login")
//
// # Health Checks
//
// The database is required; the cache only degrades readiness:
//
//	checker := observability.NewHealthChecker(observability.PingFunc(store.HealthCheck), cache, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// # Graceful Shutdown
//
//	sm := observability.NewShutdownManager(logger, server, 30*time.Second)
//	sm.RegisterShutdownFunc("sweeper", sweeper.Stop)
//	sm.RegisterShutdownFunc("database", closeDB)
//	err := sm.WaitForShutdown(ctx)
package observability

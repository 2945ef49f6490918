// Package observability provides structured logging, Prometheus and
// OpenTelemetry metrics, tracing setup, health checks and shutdown handling.
//
// # Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("organization_id", orgID).Info("Credits granted")
//
// Loggers are logrus entries underneath. JSON output nests fields under
// "fields" so that log pipelines can index them separately.
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveLedgerMutation("USAGE", "applied", -30, elapsed)
//
// A nil *Metrics is valid and records nothing, which keeps tests free of
// registry plumbing. WithOTel mirrors the business counters onto the
// OpenTelemetry meter.
//
// # Health
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddCheck("database", true, observability.SQLCheck(db))
//	checker.AddCheck("redis", false, observability.RedisCheck(client))
//
// # Shutdown
//
// ShutdownManager runs cleanup steps in reverse registration order.
package observability

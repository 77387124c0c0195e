// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", tenantID).Info("grant updated")
//
// Context-aware logging picks up request, user and tenant IDs:
//
//	ctx = observability.WithTenantID(ctx, tenantID)
//	observability.FromContext(ctx).Warn("read mask fell back to identity fields")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordDecision("write_guard", "denied", elapsed)
//
// The Record* helpers accept a nil *Metrics so components can run without metrics.
//
// # Tracing
//
//	ctx, span := observability.StartSpan(ctx, "ledger.append")
//	defer func() { observability.EndSpan(span, err) }()
package observability

package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adminbridge/secure-session-core/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

type AppMetrics struct {
	repoOpCounter          metric.Int64Counter
	accessValidationCounter metric.Int64Counter
	rotationCounter        metric.Int64Counter
	admissionCounter       metric.Int64Counter
	evictionCounter        metric.Int64Counter
	auditAppendCounter     metric.Int64Counter
	auditVerifyCounter     metric.Int64Counter
	loginCounter           metric.Int64Counter
	logoutCounter          metric.Int64Counter
	csrfCounter            metric.Int64Counter
	timeoutCounter         metric.Int64Counter
	rateLimitCounter       metric.Int64Counter
	rateLimitRetryAfter    metric.Float64Histogram
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("secure-session-core")
	m := &AppMetrics{}
	counters := []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"repository.operations", &m.repoOpCounter},
		{"auth.token.validations", &m.accessValidationCounter},
		{"auth.token.rotations", &m.rotationCounter},
		{"session.admissions", &m.admissionCounter},
		{"session.evictions", &m.evictionCounter},
		{"audit.appends", &m.auditAppendCounter},
		{"audit.verifications", &m.auditVerifyCounter},
		{"auth.login.attempts", &m.loginCounter},
		{"auth.logout.attempts", &m.logoutCounter},
		{"csrf.validations", &m.csrfCounter},
		{"session.timeouts", &m.timeoutCounter},
		{"ratelimit.decisions", &m.rateLimitCounter},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	hist, err := meter.Float64Histogram("ratelimit.retry_after_seconds")
	if err != nil {
		return nil, err
	}
	m.rateLimitRetryAfter = hist

	metricsMu.Lock()
	appMetrics = m
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func current() *AppMetrics {
	metricsMu.RLock()
	m := appMetrics
	metricsMu.RUnlock()
	return m
}

func RecordRepositoryOperation(ctx context.Context, repo, op, status string) {
	m := current()
	if m == nil {
		return
	}
	m.repoOpCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("repository", repo),
		attribute.String("operation", op),
		attribute.String("status", status),
	))
}

func RecordAccessTokenValidation(ctx context.Context, status, source string) {
	m := current()
	if m == nil {
		return
	}
	m.accessValidationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("source", source),
	))
}

func RecordTokenRotation(ctx context.Context, status string) {
	m := current()
	if m == nil {
		return
	}
	m.rotationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordSessionAdmission(ctx context.Context, policy, status string) {
	m := current()
	if m == nil {
		return
	}
	m.admissionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy", policy),
		attribute.String("status", status),
	))
}

func RecordSessionEviction(ctx context.Context, reason string, count int64) {
	m := current()
	if m == nil || count <= 0 {
		return
	}
	m.evictionCounter.Add(ctx, count, metric.WithAttributes(attribute.String("reason", reason)))
}

func RecordAuditAppend(ctx context.Context, status string) {
	m := current()
	if m == nil {
		return
	}
	m.auditAppendCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordAuditVerification(ctx context.Context, status string) {
	m := current()
	if m == nil {
		return
	}
	m.auditVerifyCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordAuthLogin(ctx context.Context, status string) {
	m := current()
	if m == nil {
		return
	}
	m.loginCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordAuthLogout(ctx context.Context, status string) {
	m := current()
	if m == nil {
		return
	}
	m.logoutCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordCSRFValidation(ctx context.Context, status string) {
	m := current()
	if m == nil {
		return
	}
	m.csrfCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordSessionTimeout(ctx context.Context, kind string) {
	m := current()
	if m == nil {
		return
	}
	m.timeoutCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func RecordRateLimitDecision(ctx context.Context, scope, decision, mode, keyType string) {
	m := current()
	if m == nil {
		return
	}
	m.rateLimitCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("decision", decision),
		attribute.String("mode", mode),
		attribute.String("key_type", keyType),
	))
}

func RecordRateLimitRetryAfter(ctx context.Context, scope, reason string, retryAfter time.Duration) {
	m := current()
	if m == nil {
		return
	}
	m.rateLimitRetryAfter.Record(ctx, retryAfter.Seconds(), metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("reason", reason),
	))
}

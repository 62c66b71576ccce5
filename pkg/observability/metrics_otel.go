package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName names the tracer and meter used across campusauth
const InstrumentationName = "github.com/platinummonkey/campusauth"

// OTelMetrics holds OpenTelemetry metric instruments for auth operations
type OTelMetrics struct {
	operationsTotal   metric.Int64Counter
	operationDuration metric.Float64Histogram
	tokensIssued      metric.Int64Counter
	revocations       metric.Int64Counter
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter(InstrumentationName)

	m := &OTelMetrics{}
	var err error

	m.operationsTotal, err = meter.Int64Counter(
		"auth.operations",
		metric.WithDescription("Total number of auth operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth.operations counter: %w", err)
	}

	m.operationDuration, err = meter.Float64Histogram(
		"auth.operation.duration",
		metric.WithDescription("Auth operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth.operation.duration histogram: %w", err)
	}

	m.tokensIssued, err = meter.Int64Counter(
		"auth.tokens.issued",
		metric.WithDescription("Access and refresh tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth.tokens.issued counter: %w", err)
	}

	m.revocations, err = meter.Int64Counter(
		"auth.revocations",
		metric.WithDescription("Credentials revoked in bulk, by reason"),
		metric.WithUnit("{credential}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth.revocations counter: %w", err)
	}

	return m, nil
}

// RecordOperation records one auth operation with its outcome code.
// code is empty on success.
func (m *OTelMetrics) RecordOperation(ctx context.Context, operation, code string, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if code != "" {
		result = code
	}
	attrs := metric.WithAttributes(
		attribute.String("auth.operation", operation),
		attribute.String("auth.result", result),
	)
	m.operationsTotal.Add(ctx, 1, attrs)
	m.operationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTokensIssued counts tokens of a kind ("access", "refresh")
func (m *OTelMetrics) RecordTokensIssued(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.tokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("auth.token_kind", kind)))
}

// RecordRevocations counts revoked credentials for a reason
func (m *OTelMetrics) RecordRevocations(ctx context.Context, reason string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.revocations.Add(ctx, n, metric.WithAttributes(attribute.String("auth.reason", reason)))
}

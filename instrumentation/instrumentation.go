package instrumentation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// instrumentationName scopes the meters and tracers this package creates.
	instrumentationName = "github.com/velumlabs/oauthkit"

	// DefaultServiceName is used when the config names no service.
	DefaultServiceName = "oauthkit"
)

// Config holds instrumentation configuration. Leaving the providers nil
// selects no-op implementations, which cost nothing per request.
type Config struct {
	// ServiceName identifies the service in telemetry attributes.
	ServiceName string

	// MeterProvider supplies meters. Nil means no-op.
	MeterProvider metric.MeterProvider

	// TracerProvider supplies tracers. Nil means no-op.
	TracerProvider trace.TracerProvider
}

// Instrumentation bundles the engine's metric instruments and tracer.
type Instrumentation struct {
	config  Config
	tracer  trace.Tracer
	metrics *Metrics
}

// New creates an Instrumentation from the config.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.MeterProvider == nil {
		config.MeterProvider = noop.NewMeterProvider()
	}
	if config.TracerProvider == nil {
		config.TracerProvider = tracenoop.NewTracerProvider()
	}

	inst := &Instrumentation{
		config: config,
		tracer: config.TracerProvider.Tracer(instrumentationName),
	}

	metrics, err := newMetrics(config.MeterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	inst.metrics = metrics

	return inst, nil
}

// Tracer returns the engine tracer.
func (i *Instrumentation) Tracer() trace.Tracer {
	if i == nil {
		return tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	return i.tracer
}

// Metrics returns the metric instruments.
func (i *Instrumentation) Metrics() *Metrics {
	if i == nil {
		return nil
	}
	return i.metrics
}

// StartSpan begins a span named after an engine operation. Safe on a nil
// receiver: callers get a no-op span.
func (i *Instrumentation) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return i.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordHTTPRequest records one handled HTTP request with its outcome.
// Safe on a nil receiver.
func (i *Instrumentation) RecordHTTPRequest(ctx context.Context, endpoint, method string, status int, start time.Time) {
	m := i.Metrics()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("method", method),
		attribute.Int("status", status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}

// RecordTokenIssued counts a successful grant.
func (i *Instrumentation) RecordTokenIssued(ctx context.Context, grantType string) {
	m := i.Metrics()
	if m == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("grant_type", grantType)))
}

// RecordTokenError counts a failed grant with its wire error code.
func (i *Instrumentation) RecordTokenError(ctx context.Context, grantType, code string) {
	m := i.Metrics()
	if m == nil {
		return
	}
	m.TokenErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("error", code),
	))
}

// RecordKeyRotation counts a signing-key rotation.
func (i *Instrumentation) RecordKeyRotation(ctx context.Context) {
	m := i.Metrics()
	if m == nil {
		return
	}
	m.KeyRotations.Add(ctx, 1)
}

// RecordReplayRejected counts a rejected DPoP proof replay.
func (i *Instrumentation) RecordReplayRejected(ctx context.Context) {
	m := i.Metrics()
	if m == nil {
		return
	}
	m.ReplaysRejected.Add(ctx, 1)
}

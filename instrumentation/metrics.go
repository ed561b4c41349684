package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's metric instruments.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grants
	TokensIssued metric.Int64Counter
	TokenErrors  metric.Int64Counter

	// Keys
	KeyRotations metric.Int64Counter

	// Security
	ReplaysRejected metric.Int64Counter
}

// newMetrics creates and registers all instruments on the meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests handled by the engine"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.TokensIssued, err = meter.Int64Counter(
		"oauth.tokens.issued",
		metric.WithDescription("Number of successful grants, by grant type"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.issued counter: %w", err)
	}

	m.TokenErrors, err = meter.Int64Counter(
		"oauth.tokens.errors",
		metric.WithDescription("Number of failed grants, by grant type and error code"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.errors counter: %w", err)
	}

	m.KeyRotations, err = meter.Int64Counter(
		"oauth.keys.rotations",
		metric.WithDescription("Number of signing-key rotations"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create keys.rotations counter: %w", err)
	}

	m.ReplaysRejected, err = meter.Int64Counter(
		"oauth.dpop.replays_rejected",
		metric.WithDescription("Number of DPoP proofs rejected as replays"),
		metric.WithUnit("{proof}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dpop.replays_rejected counter: %w", err)
	}

	return m, nil
}

// Package instrumentation provides OpenTelemetry instrumentation for the
// oauthkit engine: counters and histograms for token-endpoint traffic,
// grant outcomes, key rotations and DPoP replay rejections, plus a tracer
// for the request flow through the engine.
//
// When no instrumentation is configured the engine runs on no-op providers
// with zero overhead. Hosts that want metrics exported wire their own SDK
// providers in:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-issuer",
//		MeterProvider:  sdkMeterProvider,
//		TracerProvider: sdkTracerProvider,
//	})
//
// Token values, client secrets, PKCE verifiers, and private keys are never
// recorded as attributes; only metadata (grant types, error codes,
// endpoints, truncated identifiers) reaches the telemetry pipeline.
package instrumentation

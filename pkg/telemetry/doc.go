// Package telemetry groups the observability packages:
//
//   - logging: structured slog logging with context fields and redaction
//   - metrics: the shared Prometheus registry and HTTP request metrics
//   - tracing: OpenTelemetry spans exported over OTLP gRPC
//   - health: liveness and readiness endpoints
package telemetry

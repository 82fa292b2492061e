// Package tracing provides OpenTelemetry distributed tracing.
//
// # Overview
//
// New builds a tracer provider that exports over OTLP gRPC, samples by ratio
// and installs W3C Trace Context propagation. When tracing is disabled the
// tracer is a noop and nothing is exported.
//
// The usage service starts its own spans through otel.Tracer, so once New
// has installed the global provider those spans nest under the server span
// opened by Middleware.
//
// # Usage
//
//	tracer, err := tracing.New(cfg.Telemetry.Tracing, version)
//	if err != nil {
//	    return err
//	}
//	defer tracer.Shutdown(context.Background())
//
//	handler = tracer.Middleware(handler)
//
// # Sampling
//
// SampleRatio 1.0 samples every trace and 0.0 none. Values in between sample
// by trace ID, and a sampled parent always yields sampled children.
package tracing

// Package observability provides metrics, structured logging and tracing for
// the agent loop.
//
// # Metrics
//
// Metrics use the Prometheus client library and are registered against a
// caller-supplied registerer, so tests and embedders can keep them isolated:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//
//	start := time.Now()
//	// ... stream from the model ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4", "success",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//
//	metrics.RecordToolExecution("read_file", "builtin", "success", elapsed)
//	metrics.RecordPermission("write", "granted", "auto")
//
// Every method is safe on a nil *Metrics.
//
// # Logging
//
// Logging is built on log/slog. NewLogger returns a logger whose handler
// redacts common secrets from messages and string attributes and appends the
// session and turn ids carried by the context:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	ctx = observability.AddSessionID(ctx, sessionID)
//	logger.InfoContext(ctx, "turn started")
//
// Logs go to stderr by default; stdout is reserved for the event stream.
//
// # Tracing
//
// Tracing uses OpenTelemetry with an OTLP gRPC exporter. Without an endpoint
// the tracer still creates spans but exports nothing:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "conductor",
//	    Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//
//	ctx, turnSpan := tracer.TraceTurn(ctx, sessionID, turnID, "native")
//	defer turnSpan.End()
//	ctx, toolSpan := tracer.TraceToolExecution(ctx, "grep", "builtin", callID)
//	defer toolSpan.End()
package observability

package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartPipelineSpan creates a child span for one request's pipeline pass.
func StartPipelineSpan(ctx context.Context, method, url string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pipeline.serve",
		trace.WithAttributes(
			attribute.String("request.method", method),
			attribute.String("request.url", url),
		),
	)
}

// StartUpstreamSpan creates a child span for an origin HTTP exchange.
func StartUpstreamSpan(ctx context.Context, url, host string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "upstream.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.url", url),
			attribute.String("upstream.host", host),
		),
	)
}

// StartTunnelSpan creates a span covering an intercepted CONNECT tunnel.
func StartTunnelSpan(ctx context.Context, host string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tunnel.connect",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("tunnel.host", host)),
	)
}

// InjectHeaders injects the current trace context (traceparent, tracestate)
// into the given HTTP request headers so the origin can continue the trace.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// SetCacheAttributes annotates the current span with the cache outcome.
func SetCacheAttributes(ctx context.Context, decision string, status int, sizeBytes int64) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("cache.decision", decision),
		attribute.Int("response.status", status),
		attribute.Int64("response.size_bytes", sizeBytes),
	)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}

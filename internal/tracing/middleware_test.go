package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		tp.Shutdown(context.Background())
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
	})
	return exporter
}

func TestHTTPMiddleware_CreatesServerSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	HTTPMiddleware(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "GET /metrics" {
		t.Errorf("span name: got %q, want %q", span.Name, "GET /metrics")
	}
	if span.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind: got %v, want server", span.SpanKind)
	}
}

func TestHTTPMiddleware_RecordsStatusCode(t *testing.T) {
	exporter := setupTestTracer(t)

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	HTTPMiddleware(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/api/missing", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	var got int64 = -1
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "http.response.status_code" {
			got = attr.Value.AsInt64()
		}
	}
	if got != 404 {
		t.Errorf("http.response.status_code: got %d, want 404", got)
	}
	// 4xx is a client problem, not a span error.
	if spans[0].Status.Code == 2 {
		t.Error("4xx must not mark the span as an error")
	}
}

func TestHTTPMiddleware_ServerErrorMarksSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	rec := httptest.NewRecorder()
	HTTPMiddleware(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/api/stats", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != 2 { // codes.Error
		t.Errorf("5xx must set span status to error, got %v", spans[0].Status.Code)
	}
}

func TestHTTPMiddleware_ExtractsIncomingTraceContext(t *testing.T) {
	exporter := setupTestTracer(t)

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/health", nil)
	// A W3C traceparent from an upstream collector scrape.
	req.Header.Set("traceparent", "00-11111111111111111111111111111111-2222222222222222-01")

	HTTPMiddleware(inner).ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != "11111111111111111111111111111111" {
		t.Errorf("trace ID not continued from traceparent, got %s", got)
	}
	if got := spans[0].Parent.SpanID().String(); got != "2222222222222222" {
		t.Errorf("parent span ID not extracted, got %s", got)
	}
}

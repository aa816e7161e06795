package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestMiddleware builds a Middleware over in-memory metric and trace
// pipelines so tests can inspect what one request produced.
func newTestMiddleware(t *testing.T) (func(http.Handler) http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return Middleware(m), reader, exp
}

// serveOne routes a single request through the middleware-wrapped mux and
// returns the recorder.
func serveOne(mw func(http.Handler) http.Handler, mux *http.ServeMux, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	mw(mux).ServeHTTP(rec, req)
	return rec
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestMiddleware_CorrelationHeaderMatchesContext(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)

	var seenCID string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/topics", func(w http.ResponseWriter, r *http.Request) {
		seenCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := serveOne(mw, mux, "GET", "/api/topics")

	if seenCID == "" {
		t.Fatal("no correlation ID in the handler context")
	}
	if len(seenCID) != 32 {
		t.Errorf("correlation ID length = %d, want a 32-hex trace ID", len(seenCID))
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seenCID {
		t.Errorf("X-Correlation-ID = %q, want the handler's trace ID %q", got, seenCID)
	}
}

func TestMiddleware_SpanPerRequest(t *testing.T) {
	mw, _, exp := newTestMiddleware(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/pronounce", okHandler)

	serveOne(mw, mux, "GET", "/api/pronounce")

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans recorded = %d, want 1", len(spans))
	}
	if spans[0].Name != "GET /api/pronounce" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "GET /api/pronounce")
	}
}

func TestMiddleware_SpanRecordsStatusCode(t *testing.T) {
	mw, _, exp := newTestMiddleware(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/history/recent", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "history store not configured", http.StatusNotFound)
	})

	rec := serveOne(mw, mux, "GET", "/api/history/recent")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("response status = %d, want 404", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 404 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code attribute")
	}
}

func TestMiddleware_RecordsRouteDuration(t *testing.T) {
	mw, reader, _ := newTestMiddleware(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/settings", okHandler)

	serveOne(mw, mux, "GET", "/api/settings")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	met := findMetric(rm, "converso.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}

	// The duration is labelled with the matched route pattern, not the raw
	// URL, so learner-specific query strings never explode the label set.
	foundRoute, foundStatus := false, false
	for _, kv := range dp.Attributes.ToSlice() {
		if string(kv.Key) == "route" && kv.Value.AsString() == "GET /api/settings" {
			foundRoute = true
		}
		if string(kv.Key) == "status" && kv.Value.AsInt64() == 200 {
			foundStatus = true
		}
	}
	if !foundRoute {
		t.Error("missing route attribute with the mux pattern")
	}
	if !foundStatus {
		t.Error("missing status attribute")
	}
}

func TestMiddleware_JoinsClientTrace(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)

	const clientTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var seenCID string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/topics", func(w http.ResponseWriter, r *http.Request) {
		seenCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/api/topics", nil)
	req.Header.Set("traceparent", "00-"+clientTraceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	mw(mux).ServeHTTP(rec, req)

	// The browser's trace continues through the server rather than starting
	// a fresh one.
	if seenCID != clientTraceID {
		t.Errorf("correlation ID = %q, want the client trace ID %q", seenCID, clientTraceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != clientTraceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, clientTraceID)
	}
}

func TestMiddleware_QuietsProbeTraffic(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", okHandler)
	mux.HandleFunc("GET /api/topics", okHandler)

	serveOne(mw, mux, "GET", "/healthz")
	if logged := buf.String(); strings.Contains(logged, "request completed") {
		t.Errorf("probe request logged at Info: %s", logged)
	}

	serveOne(mw, mux, "GET", "/api/topics")
	if logged := buf.String(); !strings.Contains(logged, "request completed") {
		t.Errorf("api request missing from the Info log: %s", logged)
	}
}

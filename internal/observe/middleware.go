package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// quietPaths are endpoints hit every few seconds by probes and scrapers.
// Logging each hit at Info would swamp the request log, so their completion
// lines are demoted to Debug.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// statusWriter captures the status code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// routeLabel returns a bounded-cardinality label for the request: the
// ServeMux pattern when one matched, the raw path otherwise. /ws and the
// /api routes all register literal patterns, so in practice the label set is
// the route table.
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.Method + " " + r.URL.Path
}

// Middleware wraps the Converso route table with tracing, request metrics,
// and completion logging.
//
// Incoming W3C trace context is honoured, so a browser client that carries a
// traceparent header gets its practice-session requests stitched into one
// trace. The trace ID is echoed as X-Correlation-ID; learners reporting a
// broken session can quote it from the browser's network panel.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			// The ServeMux fills in r.Pattern on this request while routing,
			// which routeLabel reads after the handler returns.
			r = r.WithContext(ctx)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("route", routeLabel(r)),
					attribute.Int("status", sw.status),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))

			level := slog.LevelInfo
			if quietPaths[r.URL.Path] {
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "request completed",
				slog.String("trace_id", CorrelationID(ctx)),
				slog.String("route", routeLabel(r)),
				slog.Int("status", sw.status),
				slog.Duration("duration", duration),
			)
		})
	}
}

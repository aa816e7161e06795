package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func withTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })
	return exp
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func TestStartSpan_RecordsNamedSpan(t *testing.T) {
	exp := withTestTracer(t)

	_, span := StartSpan(context.Background(), "practice.turn")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans recorded = %d, want 1", len(spans))
	}
	if spans[0].Name != "practice.turn" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "practice.turn")
	}
	if got := spans[0].InstrumentationScope.Name; got != tracerName {
		t.Errorf("scope = %q, want %q", got, tracerName)
	}
}

func TestCorrelationID(t *testing.T) {
	withTestTracer(t)

	t.Run("no active span", func(t *testing.T) {
		if got := CorrelationID(context.Background()); got != "" {
			t.Errorf("CorrelationID = %q, want empty without a span", got)
		}
	})

	t.Run("active span", func(t *testing.T) {
		ctx, span := StartSpan(context.Background(), "coach.score")
		defer span.End()

		cid := CorrelationID(ctx)
		if len(cid) != 32 || !isHex(cid) {
			t.Errorf("CorrelationID = %q, want a 32-char hex trace ID", cid)
		}
	})

	t.Run("distinct per trace", func(t *testing.T) {
		seen := make(map[string]struct{}, 50)
		for range 50 {
			ctx, span := StartSpan(context.Background(), "coach.greet")
			cid := CorrelationID(ctx)
			span.End()
			if _, dup := seen[cid]; dup {
				t.Fatalf("duplicate correlation ID %s", cid)
			}
			seen[cid] = struct{}{}
		}
	})
}

func TestLogger_TraceAttrs(t *testing.T) {
	withTestTracer(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := StartSpan(context.Background(), "capture.restart")
	Logger(ctx).Info("engine restarted")
	span.End()

	logged := buf.String()
	if !strings.Contains(logged, "trace_id=") || !strings.Contains(logged, "span_id=") {
		t.Errorf("log line missing trace attrs: %s", logged)
	}

	buf.Reset()
	Logger(context.Background()).Info("no span here")
	if logged := buf.String(); strings.Contains(logged, "trace_id") {
		t.Errorf("log line has trace attrs without a span: %s", logged)
	}
}

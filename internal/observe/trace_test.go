package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// useGlobal installs tp as the global provider for the duration of the test.
// Tests calling it must not run in parallel.
func useGlobal(t *testing.T, tp *sdktrace.TracerProvider) {
	t.Helper()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestCorrelationID(t *testing.T) {
	tp, _ := recordingProvider(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := tp.Tracer("test").Start(context.Background(), "op")
		id := CorrelationID(ctx)
		span.End()
		if !traceIDPattern.MatchString(id) {
			t.Fatalf("CorrelationID = %q, want 32 hex characters", id)
		}
		if seen[id] {
			t.Fatalf("trace id %s repeated", id)
		}
		seen[id] = true
	}
}

func TestStartSessionSpan(t *testing.T) {
	tp, exp := recordingProvider(t)
	useGlobal(t, tp)

	_, span := StartSessionSpan(context.Background(), "modectl.build", "sess-1", "voice_to_text")
	EndSpan(span, errors.New("stt unavailable"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "modectl.build" {
		t.Errorf("span name = %q", got.Name)
	}
	want := map[attribute.Key]string{"session.id": "sess-1", "session.mode": "voice_to_text"}
	for _, kv := range got.Attributes {
		if v, ok := want[kv.Key]; ok && kv.Value.AsString() == v {
			delete(want, kv.Key)
		}
	}
	if len(want) > 0 {
		t.Errorf("missing attributes %v in %v", want, got.Attributes)
	}
	if got.Status.Code != codes.Error || got.Status.Description != "stt unavailable" {
		t.Errorf("status = %+v", got.Status)
	}
}

func TestEndSpan_Success(t *testing.T) {
	tp, exp := recordingProvider(t)
	useGlobal(t, tp)

	_, span := StartSpan(context.Background(), "ok")
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Unset || len(spans[0].Events) != 0 {
		t.Errorf("spans = %+v", spans)
	}
}

func TestLogger(t *testing.T) {
	tp, _ := recordingProvider(t)

	tests := []struct {
		name     string
		ctx      func() context.Context
		log      func(ctx context.Context)
		contains []string
		excludes []string
	}{
		{
			name:     "no span",
			ctx:      context.Background,
			log:      func(ctx context.Context) { Logger(ctx).Info("hello") },
			excludes: []string{"trace_id", "span_id"},
		},
		{
			name: "with span",
			ctx: func() context.Context {
				ctx, span := tp.Tracer("test").Start(context.Background(), "op")
				span.End()
				return ctx
			},
			log:      func(ctx context.Context) { Logger(ctx).Info("hello") },
			contains: []string{"trace_id=", "span_id="},
		},
		{
			name:     "session logger",
			ctx:      context.Background,
			log:      func(ctx context.Context) { SessionLogger(ctx, "sess-42").Info("mode switched") },
			contains: []string{"session_id=sess-42"},
			excludes: []string{"trace_id"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			tt.log(tt.ctx())
			out := buf.String()
			for _, s := range tt.contains {
				if !strings.Contains(out, s) {
					t.Errorf("log output %q missing %q", out, s)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(out, s) {
					t.Errorf("log output %q contains %q", out, s)
				}
			}
		})
	}
}

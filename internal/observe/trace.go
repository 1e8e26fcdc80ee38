package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the goftegu tracer.
const tracerName = "github.com/goftegu/goftegu"

type attrsKey struct{}

// Tracer returns the package-level [trace.Tracer] on the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// WithAttrs returns a copy of ctx carrying attrs in addition to any attributes
// already attached. Spans started by [StartSpan] and loggers returned by
// [Logger] on the returned context carry them all. A later attribute with
// the same key replaces the earlier one.
func WithAttrs(ctx context.Context, attrs ...attribute.KeyValue) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	prev := attrsFrom(ctx)
	merged := make([]attribute.KeyValue, 0, len(prev)+len(attrs))
	for _, p := range prev {
		if !hasKey(attrs, p.Key) {
			merged = append(merged, p)
		}
	}
	merged = append(merged, attrs...)
	return context.WithValue(ctx, attrsKey{}, merged)
}

func attrsFrom(ctx context.Context) []attribute.KeyValue {
	v, _ := ctx.Value(attrsKey{}).([]attribute.KeyValue)
	return v
}

func hasKey(attrs []attribute.KeyValue, k attribute.Key) bool {
	for _, a := range attrs {
		if a.Key == k {
			return true
		}
	}
	return false
}

// StartSpan starts a new span annotated with the context attributes of ctx.
// The caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if attrs := attrsFrom(ctx); len(attrs) > 0 {
		opts = append([]trace.SpanStartOption{trace.WithAttributes(attrs...)}, opts...)
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the span context in ctx, or ""
// when there is none. It doubles as the X-Correlation-ID of HTTP responses.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default [slog.Logger] enriched with trace_id and span_id
// of the active span and with the context attributes of ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	var args []any
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		args = append(args,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	for _, a := range attrsFrom(ctx) {
		args = append(args, slog.Any(string(a.Key), a.Value.AsInterface()))
	}
	if len(args) > 0 {
		l = l.With(args...)
	}
	return l
}

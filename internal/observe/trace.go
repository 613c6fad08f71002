package observe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/MrWong99/redraft"

// Tracer is the tracer every redraft package starts spans on.
func Tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// StartSpan is shorthand for Tracer().Start. The caller ends the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID is the hex trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns slog.Default, tagged with trace_id and span_id when ctx
// carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// NewLogHandler builds the process log handler writing to w. format is
// "json" (also the default for "") or "text". The returned LevelVar is wired
// into the handler so the level can be changed later with [SetLevel].
func NewLogHandler(w io.Writer, level, format string) (slog.Handler, *slog.LevelVar, error) {
	var lvl slog.LevelVar
	if err := SetLevel(&lvl, level); err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: &lvl}

	var h slog.Handler
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("observe: log format %q is not json or text", format)
	}
	return h, &lvl, nil
}

// SetLevel parses level (debug, info, warn, error) into v. v is unchanged on
// error.
func SetLevel(v *slog.LevelVar, level string) error {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return fmt.Errorf("observe: log level %q: %w", level, err)
	}
	v.Set(parsed)
	return nil
}

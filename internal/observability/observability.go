// Package observability builds the structured logger and tracer handed
// to every component. Components never reach for global state.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NewLogger builds a slog.Logger writing to w (stderr if nil) at the
// given level, with "text" or "json" output.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// NewTracer returns the tracer used around session turns and workflow
// transitions. When no tracer provider is installed this is a no-op
// tracer; OTLP export wiring happens outside the runtime core.
func NewTracer(name string) trace.Tracer {
	if tp := otel.GetTracerProvider(); tp != nil {
		return tp.Tracer(name)
	}
	return noop.NewTracerProvider().Tracer(name)
}

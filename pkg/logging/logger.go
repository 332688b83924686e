// Package logging provides structured logging configuration and utilities.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Pretty bool
	// Output defaults to stderr.
	Output io.Writer
}

// ParseLevel maps debug, info, warn and error to slog levels. Unknown
// values select info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a text (pretty) or JSON logger.
func NewLogger(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if cfg.Pretty {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// StructuredLogger emits run and request events with trace correlation.
type StructuredLogger struct {
	logger *slog.Logger
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(logger *slog.Logger) *StructuredLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &StructuredLogger{logger: logger}
}

// Logger returns the underlying slog logger.
func (sl *StructuredLogger) Logger() *slog.Logger { return sl.logger }

// LogRun logs the end of a pipeline run.
func (sl *StructuredLogger) LogRun(ctx context.Context, pipeline, queryID, outcome string, threads int, duration time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("pipeline", pipeline),
		slog.String("outcome", outcome),
		slog.Int("threads", threads),
		slog.Duration("duration", duration),
	}
	if queryID != "" {
		attrs = append(attrs, slog.String("query_id", queryID))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	attrs = appendTrace(ctx, attrs)

	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	sl.logger.LogAttrs(ctx, level, "Pipeline run finished", attrs...)
}

// LogHTTPRequest logs HTTP request details
func (sl *StructuredLogger) LogHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status_code", statusCode),
		slog.Duration("duration", duration),
	}
	attrs = appendTrace(ctx, attrs)

	level := slog.LevelInfo
	if statusCode >= 400 {
		level = slog.LevelWarn
	}
	if statusCode >= 500 {
		level = slog.LevelError
	}
	sl.logger.LogAttrs(ctx, level, "HTTP request", attrs...)
}

func appendTrace(ctx context.Context, attrs []slog.Attr) []slog.Attr {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return attrs
	}
	return append(attrs,
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()))
}

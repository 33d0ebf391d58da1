package rttlink

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// traceIDKey is the context key for trace ID
type traceIDKey struct{}

// traceIDCounter is used to generate unique trace IDs
var traceIDCounter atomic.Uint64

// Logger wraps slog.Logger with trace ID support
type Logger struct {
	*slog.Logger
	traceEnabled bool
}

// NewLogger creates a new logger with the specified configuration. Logs go
// to stderr; stdout is left to frame output.
func NewLogger(cfg LoggingConfig) *Logger {
	return NewLoggerTo(os.Stderr, cfg)
}

// NewLoggerTo is NewLogger with an explicit destination.
func NewLoggerTo(w io.Writer, cfg LoggingConfig) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Level),
	}

	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger:       slog.New(handler),
		traceEnabled: cfg.TraceEnabled,
	}
}

// discardLogger is used when a component is given a nil logger.
func discardLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func orDiscard(l *Logger) *Logger {
	if l == nil {
		return discardLogger()
	}
	return l
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context) context.Context {
	traceID := traceIDCounter.Add(1)
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(traceIDKey{}).(uint64)
	return id, ok
}

func (l *Logger) traced(ctx context.Context, args []any) []any {
	if l.traceEnabled {
		if traceID, ok := GetTraceID(ctx); ok {
			return append([]any{"trace_id", traceID}, args...)
		}
	}
	return args
}

// InfoContext logs an info message with trace ID if enabled
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, l.traced(ctx, args)...)
}

// ErrorContext logs an error message with trace ID if enabled
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.Logger.ErrorContext(ctx, msg, l.traced(ctx, args)...)
}

// DebugContext logs a debug message with trace ID if enabled
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, l.traced(ctx, args)...)
}

// WarnContext logs a warning message with trace ID if enabled
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, l.traced(ctx, args)...)
}

// WithChannel returns a logger with the RTT channel name attached
func (l *Logger) WithChannel(name string) *Logger {
	return &Logger{
		Logger:       l.Logger.With("channel", name),
		traceEnabled: l.traceEnabled,
	}
}

// WithPeer returns a logger with a remote peer address attached
func (l *Logger) WithPeer(addr string) *Logger {
	return &Logger{
		Logger:       l.Logger.With("peer", addr),
		traceEnabled: l.traceEnabled,
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

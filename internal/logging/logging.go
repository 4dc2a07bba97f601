package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a type for context keys
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"
	// WorkerIDKey is the context key for worker ID
	WorkerIDKey contextKey = "worker_id"
	// SessionIDKey is the context key for session correlation ID
	SessionIDKey contextKey = "session_id"
)

// Config holds logging configuration
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
	Output io.Writer
}

// Setup configures the global logger
func Setup(cfg Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	// Wrap with context handler
	handler = &ContextHandler{Handler: handler}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// ContextHandler adds context values to log records
type ContextHandler struct {
	slog.Handler
}

// Handle adds context values to the record before passing to the wrapped handler
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		r.AddAttrs(slog.String("request_id", requestID))
	}

	if workerID, ok := ctx.Value(WorkerIDKey).(int64); ok && workerID != 0 {
		r.AddAttrs(slog.Int64("worker_id", workerID))
	}

	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok && sessionID != "" {
		r.AddAttrs(slog.String("session_id", sessionID))
	}

	return h.Handler.Handle(ctx, r)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithWorkerID adds a worker ID to the context
func WithWorkerID(ctx context.Context, workerID int64) context.Context {
	return context.WithValue(ctx, WorkerIDKey, workerID)
}

// WithSessionID adds a session correlation ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// Logger returns a logger with additional context
func Logger(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	var attrs []any
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if workerID, ok := ctx.Value(WorkerIDKey).(int64); ok && workerID != 0 {
		attrs = append(attrs, "worker_id", workerID)
	}
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok && sessionID != "" {
		attrs = append(attrs, "session_id", sessionID)
	}

	if len(attrs) > 0 {
		return logger.With(attrs...)
	}
	return logger
}

// Audit logs an audit event (always logged regardless of level). Every
// lifecycle decision that changes worker or session state goes through here.
func Audit(ctx context.Context, operation string, attrs ...any) {
	logger := slog.Default()

	baseAttrs := []any{
		"audit", true,
		"operation", operation,
	}

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		baseAttrs = append(baseAttrs, "request_id", requestID)
	}
	if workerID, ok := ctx.Value(WorkerIDKey).(int64); ok && workerID != 0 {
		baseAttrs = append(baseAttrs, "worker_id", workerID)
	}
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok && sessionID != "" {
		baseAttrs = append(baseAttrs, "session_id", sessionID)
	}

	baseAttrs = append(baseAttrs, attrs...)

	logger.Info("AUDIT", baseAttrs...)
}

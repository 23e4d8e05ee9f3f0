// Package logging provides structured logging with request-scoped context.
package logging

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	// TraceIDKey carries the request trace ID through the context.
	TraceIDKey contextKey = "trace_id"
	// UserIDKey carries the resolved caller username through the context.
	UserIDKey contextKey = "user_id"
	// RoleKey carries the caller role through the context.
	RoleKey contextKey = "role"
)

// Logger wraps zerolog with context-aware field extraction.
type Logger struct {
	zl zerolog.Logger
}

// New creates a logger for a component at the given level. Unknown levels
// fall back to info.
func New(component, level string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zl := zerolog.New(os.Stderr).Level(lvl).With().
		Timestamp().
		Str("component", component).
		Logger()
	return &Logger{zl: zl}
}

// NewDefault creates an info-level logger for a component.
func NewDefault(component string) *Logger {
	return New(component, "info")
}

// NewNop creates a logger that discards everything. Intended for tests.
func NewNop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Entry is a logger with accumulated fields.
type Entry struct {
	zl zerolog.Logger
}

// WithContext returns an entry annotated with trace ID, user ID and role
// from the context, when present.
func (l *Logger) WithContext(ctx context.Context) *Entry {
	zc := l.zl.With()
	if id := GetTraceID(ctx); id != "" {
		zc = zc.Str("trace_id", id)
	}
	if id := GetUserID(ctx); id != "" {
		zc = zc.Str("user_id", id)
	}
	if role := GetRole(ctx); role != "" {
		zc = zc.Str("role", role)
	}
	return &Entry{zl: zc.Logger()}
}

// WithField returns an entry with one additional field.
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{zl: l.zl.With().Interface(key, value).Logger()}
}

// WithFields returns an entry with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Entry {
	return (&Entry{zl: l.zl}).WithFields(fields)
}

// WithError returns an entry carrying the error.
func (l *Logger) WithError(err error) *Entry {
	return &Entry{zl: l.zl.With().Err(err).Logger()}
}

func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zl.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zl.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zl.Error().Msg(msg) }

// LogRequest logs one completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	l.WithContext(ctx).WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	}).Info("http request")
}

// LogSecurityEvent logs an auth or rate-limit event at warn level.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).WithField("event", event).Warn("security event")
}

// WithField returns an entry with one additional field.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	return &Entry{zl: e.zl.With().Interface(key, value).Logger()}
}

// WithFields returns an entry with additional fields.
func (e *Entry) WithFields(fields map[string]interface{}) *Entry {
	zc := e.zl.With()
	for k, v := range fields {
		zc = zc.Interface(k, v)
	}
	return &Entry{zl: zc.Logger()}
}

// WithError returns an entry carrying the error.
func (e *Entry) WithError(err error) *Entry {
	return &Entry{zl: e.zl.With().Err(err).Logger()}
}

func (e *Entry) Debug(msg string) { e.zl.Debug().Msg(msg) }
func (e *Entry) Info(msg string)  { e.zl.Info().Msg(msg) }
func (e *Entry) Warn(msg string)  { e.zl.Warn().Msg(msg) }
func (e *Entry) Error(msg string) { e.zl.Error().Msg(msg) }

// NewTraceID generates a fresh trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores the trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID extracts the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID stores the resolved username in the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID extracts the resolved username from the context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

// GetRole extracts the caller role from the context.
func GetRole(ctx context.Context) string {
	if v, ok := ctx.Value(RoleKey).(string); ok {
		return v
	}
	return ""
}

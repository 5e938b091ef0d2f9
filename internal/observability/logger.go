// Package observability provides structured logging, metrics, and health checks
package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Logger provides structured logging with correlation IDs
type Logger struct {
	zl        zerolog.Logger
	component string
}

// NewLogger creates a new structured logger writing JSON to stdout
func NewLogger(component string) *Logger {
	return newLogger(os.Stdout, LevelInfo, component)
}

func newLogger(w io.Writer, level LogLevel, component string) *Logger {
	zl := zerolog.New(w).
		Level(toZerologLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
	return &Logger{zl: zl, component: component}
}

// WithOutput sets the output writer for the logger
func (l *Logger) WithOutput(w io.Writer) *Logger {
	l.zl = l.zl.Output(w)
	return l
}

// WithLevel sets the minimum log level
func (l *Logger) WithLevel(level LogLevel) *Logger {
	l.zl = l.zl.Level(toZerologLevel(level))
	return l
}

// Named returns a child logger for another component sharing output and level
func (l *Logger) Named(component string) *Logger {
	return &Logger{
		zl:        l.zl.With().Str("component", component).Logger(),
		component: component,
	}
}

func toZerologLevel(level LogLevel) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel converts a config string into a LogLevel, defaulting to info
func ParseLevel(s string) LogLevel {
	switch LogLevel(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return LogLevel(s)
	default:
		return LevelInfo
	}
}

func (l *Logger) emit(ctx context.Context, ev *zerolog.Event, message string, fields map[string]interface{}) {
	if ctx != nil {
		if correlationID := GetCorrelationID(ctx); correlationID != "" {
			ev = ev.Str("correlation_id", correlationID)
		}
		if userID := GetUserID(ctx); userID != "" {
			ev = ev.Str("user_id", userID)
		}
		if companyID := GetCompanyID(ctx); companyID != "" {
			ev = ev.Str("company_id", companyID)
		}
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(message)
}

// Debug logs a debug message
func (l *Logger) Debug(ctx context.Context, message string, fields map[string]interface{}) {
	l.emit(ctx, l.zl.Debug(), message, fields)
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, message string, fields map[string]interface{}) {
	l.emit(ctx, l.zl.Info(), message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(ctx context.Context, message string, fields map[string]interface{}) {
	l.emit(ctx, l.zl.Warn(), message, fields)
}

// Error logs an error message
func (l *Logger) Error(ctx context.Context, message string, err error, fields map[string]interface{}) {
	ev := l.zl.Error()
	if err != nil {
		ev = ev.Err(err)
	}
	l.emit(ctx, ev, message, fields)
}

// WithOperation logs the start and end of an operation
func (l *Logger) WithOperation(ctx context.Context, operation string, fn func(context.Context) error) error {
	start := time.Now()
	if GetCorrelationID(ctx) == "" {
		ctx = WithCorrelationID(ctx, uuid.New().String())
	}

	l.Debug(ctx, fmt.Sprintf("Starting operation: %s", operation), map[string]interface{}{
		"operation": operation,
	})

	err := fn(ctx)
	fields := map[string]interface{}{
		"operation":   operation,
		"duration_ms": time.Since(start).Milliseconds(),
	}

	if err != nil {
		l.Error(ctx, fmt.Sprintf("Operation failed: %s", operation), err, fields)
		return err
	}

	l.Info(ctx, fmt.Sprintf("Operation completed: %s", operation), fields)
	return nil
}

// Context keys for storing values in context
type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	userIDKey        contextKey = "user_id"
	companyIDKey     contextKey = "company_id"
)

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithUserID adds a user ID to the context
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

// WithCompanyID adds the tenant ID to the context
func WithCompanyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, companyIDKey, id)
}

// GetCompanyID retrieves the tenant ID from the context
func GetCompanyID(ctx context.Context) string {
	if id, ok := ctx.Value(companyIDKey).(string); ok {
		return id
	}
	return ""
}

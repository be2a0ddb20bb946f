// Package logging provides structured logging for every subsystem of the
// orchestrator, built on logrus.
package logging

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey namespaces values this package stores on a context.Context.
type ContextKey string

// TraceIDKey is the context key a trace id is stored under, so one
// orchestrator invocation's log lines (spanning Deploy/Attest/Connect's
// concurrent goroutines) can be correlated.
const TraceIDKey ContextKey = "trace_id"

// Logger wraps logrus.Logger with orchestrator-specific field helpers.
type Logger struct {
	*logrus.Logger
}

// New builds a Logger. level is any level name logrus.ParseLevel accepts
// ("debug", "info", "warning", ...; anything unparseable falls back to
// info); format is "json" or "text" (anything else falls back to text).
func New(level, format string) *Logger {
	logger := logrus.New()

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger}
}

// WithModule returns an entry tagged with the module name under operation.
func (l *Logger) WithModule(name string) *logrus.Entry {
	return l.Logger.WithField("module", name)
}

// WithNode returns an entry tagged with the node name under operation.
func (l *Logger) WithNode(name string) *logrus.Entry {
	return l.Logger.WithField("node", name)
}

// WithConnection returns an entry tagged with the connection id/name under
// operation.
func (l *Logger) WithConnection(id uint16, name string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"connection_id": id, "connection_name": name})
}

// WithTraceID returns an entry tagged with traceID.
func (l *Logger) WithTraceID(traceID string) *logrus.Entry {
	return l.Logger.WithField("trace_id", traceID)
}

// WithContext returns an entry tagged with the trace id carried on ctx, if
// any.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	if traceID := GetTraceID(ctx); traceID != "" {
		return l.WithTraceID(traceID)
	}
	return logrus.NewEntry(l.Logger)
}

// NewTraceID generates a fresh trace id for one orchestrator invocation.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID attaches traceID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace id attached to ctx, or "" if none.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

var defaultLogger *Logger

// InitDefault initializes the package-level default logger. Call once from
// cmd/reactive-tools after parsing --verbose/--debug and the
// REACTIVE_TOOLS_LOG_* environment variables.
func InitDefault(level, format string) {
	defaultLogger = New(level, format)
}

// Default returns the package-level logger, lazily constructing one at
// info/text if InitDefault was never called (library and test code paths
// that don't go through the CLI).
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("info", "text")
	}
	return defaultLogger
}

// LevelForVerbosity maps the CLI's --verbose/--debug flags onto a logrus
// level name, mirroring cli.py's _setup_logging: --debug wins over
// --verbose, --verbose wins over the default (warn-and-above only).
func LevelForVerbosity(verbose, debug bool) string {
	switch {
	case debug:
		return "debug"
	case verbose:
		return "info"
	default:
		return "warning"
	}
}

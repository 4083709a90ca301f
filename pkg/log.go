package pkg

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Component identifies a subsystem for log filtering.
type Component string

// Driver component identifiers.
const (
	ComponentHost     Component = "host"
	ComponentRing     Component = "ring"
	ComponentEvent    Component = "event"
	ComponentSlot     Component = "slot"
	ComponentEnum     Component = "enum"
	ComponentTransfer Component = "transfer"
	ComponentHAL      Component = "hal"
	ComponentRegistry Component = "registry"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Text format (default)
	LogFormatJSON                  // JSON format
)

var (
	// logger is the destination of every driver log record.
	logger atomic.Pointer[slog.Logger]

	// logLevel is the global minimum level.
	logLevel = new(slog.LevelVar)

	// overrides holds per-component minimum levels (Component -> slog.Level).
	overrides sync.Map
)

func init() {
	logLevel.Set(slog.LevelWarn)
	logger.Store(NewLogger(os.Stderr, nil))
}

// SetLogLevel sets the minimum log level for all driver logging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() slog.Level {
	return logLevel.Level()
}

// SetComponentLevel overrides the minimum level of one component, so the
// event path can be traced without enabling debug output everywhere.
func SetComponentLevel(component Component, level slog.Level) {
	overrides.Store(component, level)
}

// ClearComponentLevel removes the override of one component.
func ClearComponentLevel(component Component) {
	overrides.Delete(component)
}

// SetLogger replaces the destination logger. A nil logger restores the
// default text logger on os.Stderr.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = NewLogger(os.Stderr, nil)
	}
	logger.Store(l)
}

// Logger returns the current destination logger.
func Logger() *slog.Logger {
	return logger.Load()
}

// SetLogFormat switches the default logger on os.Stderr to format.
func SetLogFormat(format LogFormat) {
	switch format {
	case LogFormatJSON:
		logger.Store(NewJSONLogger(os.Stderr, nil))
	default:
		logger.Store(NewLogger(os.Stderr, nil))
	}
}

// handlerOptions passes every record through to the component filter.
func handlerOptions() *slog.HandlerOptions {
	return &slog.HandlerOptions{Level: slog.LevelDebug - 4}
}

// NewLogger creates a text logger writing to w. With nil opts the level
// is decided per component by LogEnabled.
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = handlerOptions()
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewJSONLogger creates a JSON logger writing to w.
func NewJSONLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = handlerOptions()
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// LogEnabled reports whether a record of level from component would be
// written. Callers on hot paths check it before building arguments.
func LogEnabled(component Component, level slog.Level) bool {
	floor := logLevel.Level()
	if v, ok := overrides.Load(component); ok {
		floor = v.(slog.Level)
	}
	return level >= floor
}

func logAt(level slog.Level, component Component, msg string, args []any) {
	if !LogEnabled(component, level) {
		return
	}
	l := logger.Load()
	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	l.With(slog.String("component", string(component))).Log(ctx, level, msg, args...)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}

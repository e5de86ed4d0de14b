package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"grimm.is/v6tunnel/internal/clock"
)

// Level represents log severity levels.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
	once          sync.Once
)

// Logger wraps slog with a runtime-adjustable level and component tagging.
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	output io.Writer
}

// Config holds logger configuration.
type Config struct {
	Level      Level
	Output     io.Writer
	JSON       bool
	AddSource  bool
	TimeFormat string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
	}
}

// ParseLevel maps a config string onto a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = NewConsoleHandler(cfg.Output, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  levelVar,
		output: cfg.Output,
	}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return New(Config{Level: LevelError + 4, Output: io.Discard})
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	once.Do(func() {
		defaultMu.Lock()
		if defaultLogger == nil {
			defaultLogger = New(DefaultConfig())
		}
		defaultMu.Unlock()
	})
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// SetLevel changes the log level dynamically.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

// WithComponent returns a logger with a component field.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
		level:  l.level,
		output: l.output,
	}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{
		Logger: l.Logger.With(args...),
		level:  l.level,
		output: l.output,
	}
}

// Audit records an operator-visible mutation (config saved, rule changed,
// service started). Audit events are emitted at warn level so they survive
// a quiet log configuration.
func (l *Logger) Audit(action, resource string, details map[string]any) {
	args := []any{
		"audit", true,
		"action", action,
		"resource", resource,
		"timestamp", clock.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range details {
		args = append(args, k, v)
	}
	l.Warn("AUDIT", args...)
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

// Errorf logs a formatted error message.
func Errorf(format string, args ...any) {
	Default().Error(fmt.Sprintf(format, args...))
}

// WithComponent returns a component-scoped logger.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

// Package logger provides the leveled, field-aware logger used across hoptrace.
//
// It is a thin layer over logrus that keeps printf-style call sites
// (Debug/Info/Warn/Error) and guarantees that credential fields never reach
// the output.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Redacted replaces the value of sensitive fields.
const Redacted = "[REDACTED]"

// sensitiveKeys are field names whose values are never written.
var sensitiveKeys = map[string]bool{
	"password":    true,
	"passphrase":  true,
	"private_key": true,
	"key":         true,
	"secret":      true,
}

// ParseLogLevel parses a level name, defaulting to info.
func ParseLogLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Config holds logger configuration
type Config struct {
	Level    string
	Output   string // "stdout", "stderr", or file path
	NoColor  bool
	ShowTime bool

	// Rotation settings, only used for file output.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger writes leveled log lines.
type Logger struct {
	mu     sync.Mutex
	base   *logrus.Logger
	closer io.Closer
}

// New creates a new logger with the given configuration
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{}
	}

	base := logrus.New()
	base.SetLevel(ParseLogLevel(cfg.Level))

	var out io.Writer = os.Stdout
	var closer io.Closer
	noColor := cfg.NoColor

	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		out = os.Stderr
	default:
		lj := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		}
		out = lj
		closer = lj
		noColor = true
	}

	if !noColor {
		if f, ok := out.(*os.File); ok {
			noColor = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
		}
	}

	base.SetOutput(out)
	base.SetFormatter(&logrus.TextFormatter{
		DisableColors:    noColor,
		ForceColors:      !noColor,
		DisableTimestamp: !cfg.ShowTime,
		FullTimestamp:    cfg.ShowTime,
		TimestampFormat:  "2006-01-02 15:04:05",
		DisableSorting:   false,
	})

	return &Logger{base: base, closer: closer}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// NewWithLevel creates a new logger with the specified log level
func NewWithLevel(level string) *Logger {
	return New(&Config{Level: level, Output: "stderr"})
}

// Discard returns a logger that drops everything, for tests and library callers.
func Discard() *Logger {
	l := New(&Config{NoColor: true})
	l.SetOutput(io.Discard)
	return l
}

// SetLevel sets the log level by name.
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base.SetLevel(ParseLogLevel(level))
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base.SetOutput(w)
}

// Close releases a rotated log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.base.Debugf(format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.base.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.base.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.base.Errorf(format, args...)
}

// WithField returns a log entry with fields
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a log entry with multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *Entry {
	return &Entry{entry: l.base.WithFields(redact(fields))}
}

// Entry is a log entry carrying fields.
type Entry struct {
	entry *logrus.Entry
}

// WithField adds a field to the entry.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	return &Entry{entry: e.entry.WithFields(redact(map[string]interface{}{key: value}))}
}

// WithError adds an error field to the entry.
func (e *Entry) WithError(err error) *Entry {
	return &Entry{entry: e.entry.WithError(err)}
}

// Debug logs a debug message with fields
func (e *Entry) Debug(format string, args ...interface{}) {
	e.entry.Debugf(format, args...)
}

// Info logs an info message with fields
func (e *Entry) Info(format string, args ...interface{}) {
	e.entry.Infof(format, args...)
}

// Warn logs a warning message with fields
func (e *Entry) Warn(format string, args ...interface{}) {
	e.entry.Warnf(format, args...)
}

// Error logs an error message with fields
func (e *Entry) Error(format string, args ...interface{}) {
	e.entry.Errorf(format, args...)
}

func redact(fields map[string]interface{}) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}

// Default logger instance
var (
	stdMu sync.RWMutex
	std   = New(&Config{Level: "info", Output: "stderr"})
)

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	stdMu.Lock()
	defer stdMu.Unlock()
	std = l
}

// Default returns the default logger.
func Default() *Logger {
	stdMu.RLock()
	defer stdMu.RUnlock()
	return std
}

// Debug logs a debug message using the default logger
func Debug(format string, args ...interface{}) {
	Default().Debug(format, args...)
}

// Info logs an info message using the default logger
func Info(format string, args ...interface{}) {
	Default().Info(format, args...)
}

// Warn logs a warning message using the default logger
func Warn(format string, args ...interface{}) {
	Default().Warn(format, args...)
}

// Error logs an error message using the default logger
func Error(format string, args ...interface{}) {
	Default().Error(format, args...)
}

// WithField returns an entry of the default logger carrying a field.
func WithField(key string, value interface{}) *Entry {
	return Default().WithField(key, value)
}

// WithFields returns an entry of the default logger carrying fields.
func WithFields(fields map[string]interface{}) *Entry {
	return Default().WithFields(fields)
}

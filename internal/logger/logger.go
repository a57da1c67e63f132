// Package logger provides structured, level-gated logging for the proxy.
//
// Entries are zerolog events carrying a module and an action field. In the
// default text format each entry is rendered as a single line with fixed-width
// columns:
//
//	2006-01-02 15:04:05.000 | MODULE       | ACTION                 | LEVEL | message
//
// With the json format the raw zerolog event is written instead, which is
// what log shippers want.
//
// Levels (lowest to highest): debug, info, warn, error.
// Entries below the configured minimum level are silently dropped.
//
// Usage:
//
//	log := logger.New("INTERCEPT", cfg.LogLevel)
//	log.Info("request_forward", "POST api.openai.com/v1/chat/completions [PSEUDO]")
//	log.Errorf("upstream_connect", "dial %s: %v", host, err)
//
// Never pass PII to a logger. Log counts, keys and hosts only.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Level represents a log severity.
type Level int32

// Log severity constants, ordered lowest to highest.
const (
	LevelDebug Level = iota // fine-grained diagnostic output
	LevelInfo               // normal operational messages
	LevelWarn               // unexpected but recoverable conditions
	LevelError              // failures requiring attention
)

// Output formats accepted by SetFormat.
const (
	FormatText = "text"
	FormatJSON = "json"
)

const timeLayout = "2006-01-02 15:04:05.000"

var defaultFormat atomic.Value // string

// SetFormat selects the output format for loggers created afterwards.
// Unknown values select the text format.
func SetFormat(format string) {
	if strings.EqualFold(strings.TrimSpace(format), FormatJSON) {
		defaultFormat.Store(FormatJSON)
		return
	}
	defaultFormat.Store(FormatText)
}

// Logger writes structured log lines for a single module.
type Logger struct {
	module string
	level  atomic.Int32
	zl     zerolog.Logger
}

// New creates a Logger for the given module writing to stderr, gated at the
// given level string. Unrecognized level strings default to "info".
func New(module, levelStr string) *Logger {
	return NewWithWriter(module, levelStr, os.Stderr)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(module, levelStr string, w io.Writer) *Logger {
	l := &Logger{module: strings.ToUpper(module)}
	l.level.Store(int32(parseLevel(levelStr)))
	l.zl = zerolog.New(wrapWriter(w))
	return l
}

func wrapWriter(w io.Writer) io.Writer {
	if f, _ := defaultFormat.Load().(string); f == FormatJSON {
		return w
	}
	return columnWriter{out: w}
}

// Module returns the upper-cased module name.
func (l *Logger) Module() string { return l.module }

// SetLevel changes the minimum log level at runtime. Safe for concurrent use.
func (l *Logger) SetLevel(levelStr string) {
	l.level.Store(int32(parseLevel(levelStr)))
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return level >= Level(l.level.Load())
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(action, msg string) { l.write(LevelDebug, action, msg) }

// Info logs at INFO level.
func (l *Logger) Info(action, msg string) { l.write(LevelInfo, action, msg) }

// Warn logs at WARN level.
func (l *Logger) Warn(action, msg string) { l.write(LevelWarn, action, msg) }

// Error logs at ERROR level.
func (l *Logger) Error(action, msg string) { l.write(LevelError, action, msg) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(action, format string, args ...any) {
	if l.Enabled(LevelDebug) {
		l.Debug(action, fmt.Sprintf(format, args...))
	}
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(action, format string, args ...any) {
	l.Info(action, fmt.Sprintf(format, args...))
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(action, format string, args ...any) {
	l.Warn(action, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(action, format string, args ...any) {
	l.Error(action, fmt.Sprintf(format, args...))
}

// Fatal logs at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatal(action, msg string) {
	l.Error(action, msg)
	os.Exit(1)
}

// Fatalf logs a formatted message at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatalf(action, format string, args ...any) {
	l.Fatal(action, fmt.Sprintf(format, args...))
}

func (l *Logger) write(level Level, action, msg string) {
	if !l.Enabled(level) {
		return
	}
	l.zl.WithLevel(zerologLevel(level)).
		Str("time", time.Now().Format(timeLayout)).
		Str("module", l.module).
		Str("action", action).
		Msg(msg)
}

func zerologLevel(level Level) zerolog.Level {
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

// parseLevel converts a string to a Level, defaulting to LevelInfo.
func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// columnWriter renders zerolog JSON events as fixed-width text lines.
type columnWriter struct {
	out io.Writer
}

func (w columnWriter) Write(p []byte) (int, error) {
	var ev struct {
		Time    string `json:"time"`
		Level   string `json:"level"`
		Module  string `json:"module"`
		Action  string `json:"action"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p, &ev); err != nil {
		return w.out.Write(p)
	}
	line := fmt.Sprintf("%s | %-12s | %-22s | %-5s | %s\n",
		ev.Time, ev.Module, ev.Action, strings.ToUpper(ev.Level), ev.Message)
	if _, err := io.WriteString(w.out, line); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Package logging provides the leveled logger used by the engine.
//
// Log format: YYYY/MM/DD HH:MM:SS LEVEL [component] message
//
// Example: 2026/03/02 11:04:51 INFO [flush] table 12: 4096 entries, 61440 bytes
//
// Fatalf never exits the process. It logs at FATAL and hands the message to
// the configured FatalHandler, which the DB wires to its background error so
// that writes stop while reads keep working.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"strings"
	"sync/atomic"
)

// ErrFatal is wrapped by errors raised through a FatalHandler.
var ErrFatal = errors.New("fatal error")

// FatalHandler receives the formatted message of a Fatalf call.
// It must be safe for concurrent use and must not call Fatalf.
type FatalHandler func(msg string)

// Level represents the logging level.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a case-insensitive level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError, nil
	case "warn", "warning", "":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return LevelWarn, fmt.Errorf("logging: unknown level %q", s)
}

// UnmarshalText lets Level be decoded from configuration files.
func (l *Level) UnmarshalText(text []byte) error {
	lvl, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = lvl
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(l.String())), nil
}

// Logger defines the interface for database logging.
// Implementations must be safe for concurrent use.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)

	// Fatalf logs at FATAL and triggers the fatal handler.
	Fatalf(format string, args ...any)
}

// DefaultLogger writes to an io.Writer through a stdlib log.Logger.
// The level is fixed at construction.
type DefaultLogger struct {
	logger       *log.Logger
	level        Level
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewDefaultLogger creates a logger writing to stderr.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger creates a logger writing to w.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
	}
}

// SetFatalHandler sets the handler called by Fatalf.
func (l *DefaultLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

func (l *DefaultLogger) Level() Level {
	return l.level
}

func (l *DefaultLogger) Errorf(format string, args ...any) {
	l.output(LevelError, format, args...)
}

func (l *DefaultLogger) Warnf(format string, args ...any) {
	l.output(LevelWarn, format, args...)
}

func (l *DefaultLogger) Infof(format string, args ...any) {
	l.output(LevelInfo, format, args...)
}

func (l *DefaultLogger) Debugf(format string, args ...any) {
	l.output(LevelDebug, format, args...)
}

// Fatalf is never filtered by level.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	_ = l.logger.Output(2, "FATAL "+msg)
	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

func (l *DefaultLogger) output(level Level, format string, args ...any) {
	if l.level < level {
		return
	}
	_ = l.logger.Output(3, level.String()+" "+fmt.Sprintf(format, args...))
}

// Namespace prefixes for log messages.
const (
	NSFlush    = "[flush] "
	NSCompact  = "[compact] "
	NSWAL      = "[wal] "
	NSManifest = "[manifest] "
	NSRecovery = "[recovery] "
	NSDB       = "[db] "
)

// IsNil reports whether l is nil or a typed-nil pointer wrapped in the
// interface. Calling methods on the latter panics.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns l, or a WARN-level stderr logger when l is nil.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}

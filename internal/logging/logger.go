// Package logging provides structured logging backed by zap.
package logging

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// Level is the minimum severity a logger emits.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the upper-case level name.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name to a Level, defaulting to InfoLevel.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the structured logger used across mailhook.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
	WithFields(fields ...Field) Logger
	WithContext(ctx context.Context) Logger
}

// Config controls logger construction. A nil Output writes to stdout.
type Config struct {
	Level  Level
	Output io.Writer
	Name   string
}

var (
	global   Logger
	globalMu sync.RWMutex
	initOnce sync.Once
)

// InitGlobalLogger replaces the global logger with one at the given level.
func InitGlobalLogger(level string) Logger {
	logger := NewZapLogger(Config{Level: ParseLevel(level)})
	SetGlobalLogger(logger)
	logger.Info("logger initialized", String("level", ParseLevel(level).String()))
	return logger
}

// SetGlobalLogger sets the process-wide logger.
func SetGlobalLogger(logger Logger) {
	initOnce.Do(func() {})
	globalMu.Lock()
	defer globalMu.Unlock()
	global = logger
}

// GetGlobalLogger returns the process-wide logger, creating an INFO logger on
// first use.
func GetGlobalLogger() Logger {
	initOnce.Do(func() {
		global = NewZapLogger(Config{Level: InfoLevel})
	})
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// OrGlobal returns l, or the global logger when l is nil.
func OrGlobal(l Logger) Logger {
	if l != nil {
		return l
	}
	return GetGlobalLogger()
}

// Sync flushes the global logger if it buffers.
func Sync() {
	if z, ok := GetGlobalLogger().(*ZapAdapter); ok {
		_ = z.Sync()
	}
}

func String(key, value string) Field { return Field{Key: key, Value: value} }

func Int(key string, value int) Field { return Field{Key: key, Value: value} }

func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

func Time(key string, value time.Time) Field { return Field{Key: key, Value: value} }

func Any(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// Err attaches err under the "error" key.
func Err(err error) Field { return Field{Key: "error", Value: err} }

// Package logging provides structured logging for homestock, backed by zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ParseLevel parses a level name case-insensitively, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
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

// Logger writes one JSON object per line.
type Logger struct {
	zl       zerolog.Logger
	minLevel LogLevel
}

var (
	global *Logger
	once   sync.Once
)

// New creates a Logger writing to out at minLevel and above.
func New(out io.Writer, minLevel LogLevel) *Logger {
	zl := zerolog.New(out).Level(minLevel.zerolog()).With().Timestamp().Logger()
	return &Logger{zl: zl, minLevel: minLevel}
}

// Init initializes the global logger. Later calls are ignored.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		global = New(out, minLevel)
	})
}

// Get returns the global logger instance.
func Get() *Logger {
	if global == nil {
		Init(os.Stdout, LevelInfo)
	}
	return global
}

// Zerolog exposes the underlying zerolog logger.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return &Logger{zl: l.zl.With().Fields(fields).Logger(), minLevel: l.minLevel}
}

func (l *Logger) log(event *zerolog.Event, message string, err error, context map[string]interface{}) {
	if event == nil {
		return
	}
	if err != nil {
		event = event.Err(err)
	}
	if len(context) > 0 {
		event = event.Fields(context)
	}
	event.Msg(message)
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(l.zl.Debug(), message, nil, mergeContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(l.zl.Info(), message, nil, mergeContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(l.zl.Warn(), message, nil, mergeContext(context...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(l.zl.Error(), message, err, mergeContext(context...))
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	merged := mergeContext(context...)
	if merged == nil {
		merged = make(map[string]interface{}, 1)
	}
	merged["error_code"] = code
	l.log(l.zl.Error(), message, err, merged)
}

// mergeContext merges multiple context maps into a new map.
func mergeContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}

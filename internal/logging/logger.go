// Package logging provides structured logging for NutriLog.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ParseLevel converts a config string into a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "WARNING":
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

// Fields is structured context attached to a log entry.
type Fields = map[string]interface{}

// Config configures the global logger.
type Config struct {
	// Output receives log lines. Defaults to stdout.
	Output io.Writer
	Level  LogLevel
	// File, when set, also writes to a size-rotated log file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console switches stdout output to human-readable form.
	Console bool
}

// Logger provides structured JSON logging.
type Logger struct {
	zl       zerolog.Logger
	minLevel LogLevel
	closer   io.Closer
}

var (
	mu     sync.Mutex
	global *Logger
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
	zerolog.MessageFieldName = "message"
	zerolog.TimeFieldFormat = time.RFC3339
}

// New builds a logger from cfg without touching the global one.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	var closer io.Closer
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		}
		out = zerolog.MultiLevelWriter(out, rotator)
		closer = rotator
	}

	level := cfg.Level
	if level == "" {
		level = LevelInfo
	}
	zl := zerolog.New(out).Level(level.zerolog()).With().Timestamp().Logger()
	return &Logger{zl: zl, minLevel: level, closer: closer}
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

// Init replaces the global logger. A previous file sink is closed.
func Init(cfg Config) {
	l := New(cfg)
	mu.Lock()
	prev := global
	global = l
	mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

// Get returns the global logger instance.
func Get() *Logger {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = New(Config{Output: os.Stdout, Level: LevelInfo})
	}
	return global
}

// Close flushes and closes any file sink.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Level returns the minimum level the logger emits.
func (l *Logger) Level() LogLevel {
	return l.minLevel
}

// With returns a child logger that stamps every entry with fields.
func (l *Logger) With(fields Fields) *Logger {
	return &Logger{zl: l.zl.With().Fields(fields).Logger(), minLevel: l.minLevel}
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", name).Logger(), minLevel: l.minLevel}
}

// Zerolog exposes the underlying zerolog logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zl
}

func (l *Logger) emit(e *zerolog.Event, message string, err error, context []Fields) {
	if e == nil {
		return
	}
	if err != nil {
		e = e.Err(err)
	}
	for _, c := range context {
		if len(c) > 0 {
			e = e.Fields(c)
		}
	}
	e.Msg(message)
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...Fields) {
	l.emit(l.zl.Debug(), message, nil, context)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...Fields) {
	l.emit(l.zl.Info(), message, nil, context)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...Fields) {
	l.emit(l.zl.Warn(), message, nil, context)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...Fields) {
	l.emit(l.zl.Error(), message, err, context)
}

// ErrorWithCode logs an error and tags it with its AppError code.
func (l *Logger) ErrorWithCode(message string, err error, context ...Fields) {
	e := l.zl.Error()
	if e == nil {
		return
	}
	if err != nil {
		e = e.Str("code", string(apperrors.CodeOf(err)))
	}
	l.emit(e, message, err, context)
}

// Convenience functions using global logger

func Debug(message string, context ...Fields) {
	Get().Debug(message, context...)
}

func Info(message string, context ...Fields) {
	Get().Info(message, context...)
}

func Warn(message string, context ...Fields) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...Fields) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message string, err error, context ...Fields) {
	Get().ErrorWithCode(message, err, context...)
}

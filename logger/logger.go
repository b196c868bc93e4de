// Package logger provides the structured logging interface used by sessions,
// connectors and the hub, with zerolog-backed implementations writing to the
// console and optionally to a size-rotated log file.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field represents a key-value pair for structured log output.
type Field struct {
	Key   string
	Value any
}

// Logger is an interface for structured logging. Loggers may be derived with
// With for session-scoped or device-scoped fields.
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// With returns a new Logger that includes the given fields in all
	// subsequent log entries. The original Logger is unchanged.
	With(fields ...Field) Logger

	// Close releases resources held by the logger (e.g. file handles).
	// It is safe to call multiple times.
	Close() error
}

// LogLevel selects how chatty a session is.
type LogLevel int

const (
	Verbose LogLevel = iota // Everything, including per-burst debug entries
	Error                   // Failures only
	None                    // Nothing
)

// String returns the level name as accepted by ParseLogLevel.
func (l LogLevel) String() string {
	switch l {
	case Verbose:
		return "verbose"
	case Error:
		return "error"
	case None:
		return "none"
	default:
		return "unknown"
	}
}

// ZerologLevel maps l onto the zerolog level that implements it.
func (l LogLevel) ZerologLevel() zerolog.Level {
	switch l {
	case Verbose:
		return zerolog.DebugLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.Disabled
	}
}

// ParseLogLevel parses "verbose", "error" or "none" (case-insensitive).
// The zerolog names "debug" and "info" are accepted as Verbose.
//
// Returns:
//   - The parsed level, or an error naming the unknown value
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "verbose", "debug", "info", "":
		return Verbose, nil
	case "error":
		return Error, nil
	case "none", "off", "disabled":
		return None, nil
	default:
		return None, fmt.Errorf("unknown log level %q", s)
	}
}

// Rotation controls size-based rotation of a log file.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// zerologLogger is the zerolog-based implementation of Logger.
type zerologLogger struct {
	logger zerolog.Logger
	closer io.Closer
}

// NewZerologLogger builds a Logger that wraps the given zerolog.Logger,
// adding a service name and timestamp to all entries and filtering by level.
//
// Parameters:
//   - l: The zerolog.Logger to wrap
//   - serviceName: Name of the service, added as a field to every log entry
//   - level: Minimum level to log
//
// Returns:
//   - A Logger that writes through the given zerolog instance
func NewZerologLogger(l zerolog.Logger, serviceName string, level LogLevel) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level.ZerologLevel()),
	}
}

// NewConsoleLogger creates a Logger writing human-readable lines to stderr.
func NewConsoleLogger(serviceName string, level LogLevel) Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	return NewZerologLogger(zerolog.New(out), serviceName, level)
}

// NewFileLogger creates a Logger that writes JSON entries to stderr and to
// path, rotating the file by size.
//
// Parameters:
//   - serviceName: Name of the service, added to every entry
//   - path: Log file path; its directory is created if missing
//   - level: Minimum level to log
//   - rotation: Rotation limits; zero values use lumberjack defaults
//
// Returns:
//   - The Logger, or an error if the log directory cannot be created
func NewFileLogger(serviceName, path string, level LogLevel, rotation Rotation) (Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}

	multi := io.MultiWriter(os.Stderr, file)
	return &zerologLogger{
		logger: zerolog.New(multi).With().Str("service", serviceName).Timestamp().Logger().Level(level.ZerologLevel()),
		closer: file,
	}, nil
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// Debug implements Logger.
func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

// Info implements Logger.
func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

// Warn implements Logger.
func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

// Error implements Logger.
func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

// With implements Logger. Derived loggers share the parent's file but
// never close it.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger: z.logger.With().Fields(toMap(fields)).Logger(),
	}
}

// Close implements Logger.
func (z *zerologLogger) Close() error {
	if z.closer == nil {
		return nil
	}

	err := z.closer.Close()
	z.closer = nil
	return err
}

// toMap converts a slice of Field into a map for zerolog.
func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}

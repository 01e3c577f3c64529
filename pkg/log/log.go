// Package log is the service-wide structured logging layer over zerolog.
// Every long-lived loop logs through a component child logger; per-group and
// per-task children attach the identifiers the operator greps for.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Packages derive children from it
// rather than constructing their own instances.
var Logger zerolog.Logger

// Level names accepted by Init and the --log-level flag.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// ParseLevel maps a level name to its zerolog value. Unknown names fall back
// to info rather than failing startup.
func ParseLevel(level Level) zerolog.Level {
	switch level {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case InfoLevel:
		return zerolog.InfoLevel
	}
	return zerolog.InfoLevel
}

// Config holds logging configuration.
type Config struct {
	Level Level

	// JSONOutput selects machine-readable JSON; the default is a console
	// writer for humans.
	JSONOutput bool

	// Output defaults to stdout. Tests pass io.Discard.
	Output io.Writer
}

// Init configures the root logger. Call once at startup before any package
// derives a child.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the owning component
// (store, sync, writer, ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithGroupID returns a child logger tagged with an account group.
func WithGroupID(groupID string) zerolog.Logger {
	return Logger.With().Str("group_id", groupID).Logger()
}

// WithTaskID returns a child logger tagged with a runtime task.
func WithTaskID(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}

// WithUserID returns a child logger tagged with an operator.
func WithUserID(userID int64) zerolog.Logger {
	return Logger.With().Int64("user_id", userID).Logger()
}

// Package-level helpers for call sites without a component logger in scope,
// mostly command wiring.

func Debug(msg string) { Logger.Debug().Msg(msg) }

func Info(msg string) { Logger.Info().Msg(msg) }

func Warn(msg string) { Logger.Warn().Msg(msg) }

func Error(msg string) { Logger.Error().Msg(msg) }

// Errorf logs msg with the error attached as a structured field.
func Errorf(msg string, err error) { Logger.Error().Err(err).Msg(msg) }

// Fatal logs msg and exits the process.
func Fatal(msg string) { Logger.Fatal().Msg(msg) }

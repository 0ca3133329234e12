// Package kvlog is the structured event sink every store component writes
// into, replacing ad hoc module-level logging globals with a sink passed
// into the store; components emit records carrying (level, component,
// operation, duration_ms, success, attributes) rather than formatting
// log lines themselves.
package kvlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the handful of severities the store ever emits.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how the global sink is initialized.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger is the global sink instance, initialized by Init.
var Logger zerolog.Logger

// Init initializes the global event sink.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	// A sink always exists even if Init is never called explicitly, so
	// components never write to a zero-value logger.
	Init(Config{Level: InfoLevel, JSONOutput: true})
}

// WithComponent returns a child logger tagging every record with the
// emitting component, e.g. "buffer", "catalog", "replication.primary".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// Event emits one structured record matching its field list:
// level, component, operation, duration_ms, success, plus free-form
// attributes. It is the one call every component should route through
// instead of ad hoc Info/Error calls, so that background-worker and
// backend events are uniformly shaped for downstream log processing.
func Event(log zerolog.Logger, level Level, operation string, dur time.Duration, success bool, attrs map[string]any) {
	var ev *zerolog.Event
	switch level {
	case DebugLevel:
		ev = log.Debug()
	case WarnLevel:
		ev = log.Warn()
	case ErrorLevel:
		ev = log.Error()
	default:
		ev = log.Info()
	}
	ev = ev.Str("operation", operation).
		Dur("duration_ms", dur).
		Bool("success", success)
	for k, v := range attrs {
		ev = ev.Interface(k, v)
	}
	ev.Msg(operation)
}

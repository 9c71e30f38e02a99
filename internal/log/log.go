// Package log provides Tangram's structured logging, wrapping
// zerolog the way cuemby/warren's pkg/log does: a global logger
// initialized once at startup, and scoped child loggers per
// subsystem and per request/process.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger, set by Init.
var Logger zerolog.Logger

// Level mirrors the handful of severities Tangram distinguishes.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Safe to call once at startup;
// subsystems obtain scoped loggers from Logger afterward.
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

// WithComponent returns a child logger tagged with a subsystem name,
// e.g. log.WithComponent("checkin").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRequestID tags a logger with the HTTP request ID surfaced as
// the x-tangram-request-id response header.
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

// WithProcessID tags a logger with a process ID for dispatcher and
// queue diagnostics.
func WithProcessID(processID string) zerolog.Logger {
	return Logger.With().Str("process_id", processID).Logger()
}

func init() {
	// A usable default before Init is called, matching the teacher's
	// pattern of package-level loggers that work without setup.
	Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

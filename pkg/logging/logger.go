// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelTrace logs every batch and sub-request.
	LevelTrace LogLevel = "trace"

	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Trace: per sub-request detail (correlation ids, relative URLs)
//
// Debug: batch flow
//   - Batches encoded, sent and decoded
//   - Items requeued after a throttled sub-response
//   - Handler completion, partition windows retired
//   - Token cache hits
//
// Info: progress and lifecycle
//   - Every 1000 results per stream, every 100 write operations
//   - Dispatcher start and drain
//   - Token acquired
//
// Warn: retries and throttling
//   - 429 and transient retries with their delay
//   - Handler failures surfaced on a result stream
//   - Token cache errors
//
// Error: dispatcher-fatal failures
//   - A batch that failed after retries or could not be decoded
//   - Retry budget exhausted
//
// Context Fields:
//   - component: package-level component name
//   - dispatcher_id: dispatcher instance
//   - stream: result stream name
//   - status: HTTP status code
//   - delay: wait before the next attempt
//   - error_class: client, server, throttle, auth, transient, network

// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
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

	// Pretty enables human-readable console output on Output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// File additionally receives every event as JSON (optional).
	File io.Writer
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

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}
	if cfg.File != nil {
		output = zerolog.MultiLevelWriter(output, cfg.File)
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// OpenFile opens the debug log at path, truncating any previous run's log.
// The caller owns the returned file.
func OpenFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// ValidLevel reports whether level names a known log level.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
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
// Debug: Detailed information for debugging
//   - Form fields of each submission (never the password)
//   - Debug payload writes
//   - Dispatcher progress
//
// Info: Normal operation events
//   - DNS resolution per resolver
//   - Member IDs read, batch start and completion
//   - Successful submissions
//   - Results saved by each reporter
//
// Warn: Warning conditions that don't prevent operation
//   - Invalid or malformed CSV rows skipped
//   - Retry attempts and their backoff
//   - Cancellation (partial run)
//
// Error: Error conditions requiring attention
//   - Identifiers that exhausted their retries
//   - DNS failure and other batch aborts
//   - Reporter failures
//   - Configuration errors
//
// Context Fields:
//   - component: emitting component (eligibility-client, retry-policy, dispatcher, batch, ...)
//   - run_id: batch run identifier
//   - identifier / member_id: subscriber identifier
//   - attempt: 1-based attempt number
//   - status_code: HTTP status code
//   - failure_kind: timeout, network, http, cancelled
//   - backoff: wait before the next attempt
//   - host, resolver: DNS preflight target and resolver

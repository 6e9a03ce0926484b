// Package logging configures zerolog for pagesync: one global logger set up
// from the CLI, and per-component loggers derived from it.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is a textual log level as it appears in configuration.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level written.
	Level LogLevel

	// Pretty switches from JSON lines to zerolog's console writer.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns JSON output at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// ValidLevel reports whether level names a supported level.
func ValidLevel(level LogLevel) error {
	switch strings.ToLower(string(level)) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("unknown log level %q", level)
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

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

// NewLogger derives a logger tagged with component from the global logger.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithRun tags logger with a run id.
func WithRun(logger zerolog.Logger, runID string) zerolog.Logger {
	return logger.With().Str("run_id", runID).Logger()
}

// Log Level Guidelines:
//
// Debug: loop internals
//   - State changes of the scheduler
//   - Page grouping and worker start/stop
//   - Total page samples and the voted value
//
// Info: progress an operator follows
//   - Gaps computed at the start of a run
//   - Chunk committed (records, persist duration)
//   - Run complete, lock acquired/released
//
// Warn: recovered trouble
//   - Transient page failures being retried
//   - Connection loss followed by a restart from the ledger
//   - Lock refresh failures
//
// Error: the run stops or loses safety
//   - Bounded retry exhausted
//   - Persist-and-commit failure, run halted
//   - Run lock lost
//
// Context Fields:
//   - run_id: uuid of the run
//   - component: emitting package
//   - state: scheduler state
//   - page: page number
//   - chunk_start, chunk_end: chunk bounds
//   - attempt: fetch attempt number
//   - status_code: HTTP status
//   - error_class: transient, connection or fatal

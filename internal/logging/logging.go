// Package logging configures the zerolog.Logger shared by every
// component. Components take a zerolog.Logger via constructor injection
// rather than reaching for a package-level global, so tests can swap in a
// discard logger without touching process-wide state.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config controls how the root logger is built.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to
	// "info" if empty or unrecognised.
	Level string
	// Format is "json" (production) or "console" (human-readable, for
	// local development). Defaults to "json".
	Format string
}

// New builds the root logger per cfg, writing to w (os.Stdout in
// production).
func New(cfg Config, w io.Writer) zerolog.Logger {
	level := parseLevel(cfg.Level)

	var writer io.Writer = w
	if strings.EqualFold(cfg.Format, "console") {
		writer = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	return zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Str("component", "buildmonitor").
		Logger()
}

// Discard returns a logger that drops everything, for callers that need a
// logger but no output.
func Discard() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Default is a convenience root logger writing human-readable output to
// stderr, used by cmd/buildmonitor before configuration has loaded.
func Default() zerolog.Logger {
	return New(Config{Format: "console"}, os.Stderr)
}

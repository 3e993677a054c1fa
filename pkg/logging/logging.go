// Package logging wraps zerolog into the one process-wide logger the rest
// of the core is handed at construction time.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the process-wide logger.
type Config struct {
	Level      string // debug|info|warn|error
	Pretty     bool   // human-readable console writer instead of JSON
	TimeFormat string
}

func DefaultConfig() Config {
	return Config{Level: "info", Pretty: false, TimeFormat: time.RFC3339}
}

// New builds a zerolog.Logger per cfg. Workers and the pipeline hold this
// logger (or a .With().Str("worker", ...) child of it) for their lifetime; it
// is never reconstructed on the hot path.
func New(cfg Config) zerolog.Logger {
	var w io.Writer = os.Stderr
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = cfg.TimeFormat
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything, for tests that don't care
// about log output but still need to satisfy a zerolog.Logger parameter.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

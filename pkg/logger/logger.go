// Package logger configures the process-wide structured logging sink.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls the global logger's verbosity and rendering.
type Config struct {
	Level  string
	Pretty bool
}

// New builds a zerolog.Logger per cfg and sets it as the process-wide level.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "trace":
		level = zerolog.TraceLevel
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	return zerolog.New(output).With().Timestamp().Caller().Logger()
}

// SetGlobalLogger installs l as the package-level zerolog logger used by
// components that log via the top-level log.Logger convenience functions.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}

// Component returns a child logger tagged with its owning component, matching
// the tagging convention used throughout the trading core.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

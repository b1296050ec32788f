// Package log owns the process-wide zerolog configuration. Packages grab a
// tagged child via WithComponent and never touch zerolog globals themselves.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for the global logger. Zero values fall back to
// the LOG_LEVEL / LOG_FORMAT environment variables and sane defaults.
type Config struct {
	Level   string    // "debug", "info", "warn", "error"
	Format  string    // "json" (default) or "console"
	Output  io.Writer // defaults to os.Stdout
	Service string    // attached to every entry
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the global logger exactly once; later calls are
// no-ops. Mains call it first thing, tests usually let the lazy default win.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		raw := cfg.Level
		if raw == "" {
			raw = os.Getenv("LOG_LEVEL")
		}
		if raw != "" {
			if parsed, err := zerolog.ParseLevel(raw); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		var writer io.Writer = os.Stdout
		if cfg.Output != nil {
			writer = cfg.Output
		}
		format := cfg.Format
		if format == "" {
			format = os.Getenv("LOG_FORMAT")
		}
		if format == "console" {
			writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"}
		}

		service := cfg.Service
		if service == "" {
			service = "parkgrid"
		}

		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", service).
			Logger()
	})
}

func logger() zerolog.Logger {
	Configure(Config{})
	return base
}

// Base returns the configured base logger.
func Base() zerolog.Logger {
	return logger()
}

// WithComponent returns a child logger tagged with a component name
// ("hub", "engine", "reconciler", ...).
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}

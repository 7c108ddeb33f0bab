// Package logger configures the zerolog logger used across the service.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level       string
	Environment string
	ServiceName string
	Version     string
	Output      io.Writer
}

// Logger wraps zerolog.Logger so services share one concrete type.
type Logger struct {
	zerolog.Logger
}

// New builds a Logger. Development environments get a human-readable console
// writer; everything else logs JSON.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(cfg.Environment, "development") || strings.EqualFold(cfg.Environment, "local") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	zl := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Logger()

	return &Logger{Logger: zl}
}

// Nop returns a logger that discards everything. Intended for tests.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.With().Str("component", name).Logger()}
}

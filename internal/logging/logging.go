// Package logging sets up the process-wide structured logger. One
// zerolog.Logger is built at startup and every component derives a
// child logger from it via With().Str("component", ...).Logger().
package logging

import (
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

type Config struct {
	Level  string // debug|info|warn|error
	Format Format
}

// New builds the root logger. Format "pretty" is meant for local
// development; production deployments want FormatJSON for Loki/ELK
// ingestion.
func New(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Format == FormatPretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(out).With().Timestamp().Str("service", "odin-chat-server").Logger()
}

// DefaultLogFilePath returns the server's default log destination, used
// only when no explicit log file is configured. HOME is the sole
// environment input this server reads outside of the env-tagged Config
// struct (§6 of the spec).
func DefaultLogFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "odin-chat-server.log"
	}
	return filepath.Join(home, ".odin-chat-server", "server.log")
}

// RecoverPanic is installed as the first deferred call in the
// long-running goroutines (reader/writer pumps, heartbeat sweeper) so a
// panic in one connection's handling can't take the whole process down.
// The reactor's pool workers recover each task's panic themselves.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		ev := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic", r).
			Str("stack", string(debug.Stack()))
		for k, v := range fields {
			ev = ev.Interface(k, v)
		}
		ev.Msg("recovered panic, goroutine exiting")
	}
}

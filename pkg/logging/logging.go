// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Config selects the handler and destination.
type Config struct {
	// Level is debug, info, warn or error. KILN_LOG_LEVEL overrides it.
	Level string
	// Format is text or json.
	Format string
	// File, when set, receives the log instead of stderr.
	File string
}

// Init installs the default slog logger and returns a function that closes
// the log file, if one was opened.
func Init(cfg Config) (closeFn func()) {
	level := cfg.Level
	if env := os.Getenv("KILN_LOG_LEVEL"); env != "" {
		level = env
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var w io.Writer = os.Stderr
	closeFn = func() {}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			slog.Error("failed to create log directory, using stderr", "file", cfg.File, "error", err)
		} else {
			f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // operator-chosen path
			if err != nil {
				slog.Error("failed to open log file, using stderr", "file", cfg.File, "error", err)
			} else {
				w = f
				closeFn = func() { _ = f.Close() }
			}
		}
	}

	slog.SetDefault(slog.New(NewHandler(w, cfg.Format, opts)))
	return closeFn
}

// NewHandler returns a JSON handler for format "json" and a text handler
// otherwise.
func NewHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps a level name to a slog level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewRequestLogger returns a logger tagged with a fresh request id.
func NewRequestLogger() *slog.Logger {
	return slog.With("request_id", uuid.Must(uuid.NewV7()).String())
}

// Package logging builds the service's zerolog loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flowsync/internal/config"

	"github.com/rs/zerolog"
)

// New builds the base logger from config. Empty fields mean info level,
// JSON lines and stdout. Output "both" writes to stdout and the file.
// The returned closer is non-nil only when a file was opened.
func New(cfg config.LoggingConfig, app config.AppConfig) (*zerolog.Logger, io.Closer, error) {
	out, closer, err := openOutput(normalize(cfg.Output), cfg.FilePath)
	if err != nil {
		return nil, nil, err
	}
	if normalize(cfg.Format) == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	base := zerolog.New(out).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("app", app.Name).
		Str("env", app.Environment).
		Str("version", app.Version).
		Logger()
	return &base, closer, nil
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// parseLevel falls back to info for unknown or empty levels.
func parseLevel(raw string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(normalize(raw))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func openOutput(kind, path string) (io.Writer, io.Closer, error) {
	switch kind {
	case "stderr":
		return os.Stderr, nil, nil
	case "file", "both":
		if path == "" {
			return nil, nil, fmt.Errorf("logging.output=%s requires logging.file_path", kind)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		if kind == "both" {
			return zerolog.MultiLevelWriter(os.Stdout, f), f, nil
		}
		return f, f, nil
	default:
		return os.Stdout, nil, nil
	}
}

// Component derives a child logger tagged with the component name.
// A nil parent yields a disabled logger.
func Component(parent *zerolog.Logger, name string) *zerolog.Logger {
	if parent == nil {
		nop := zerolog.Nop()
		return &nop
	}
	l := parent.With().Str("component", name).Logger()
	return &l
}

// Tenant derives a child logger scoped to one tenant.
func Tenant(parent *zerolog.Logger, tenantID string) *zerolog.Logger {
	if parent == nil {
		nop := zerolog.Nop()
		return &nop
	}
	l := parent.With().Str("tenant_id", tenantID).Logger()
	return &l
}

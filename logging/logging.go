// Package logging configures the process-wide slog logger. Attributes that
// carry catalog credentials are masked before they reach any handler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" or "text"
	Level  string // "debug", "info", "warn", "error"
}

// DefaultConfig returns text output at info level.
func DefaultConfig() Config {
	return Config{Format: "text", Level: "info"}
}

const redacted = "[REDACTED]"

// secretKeys are attribute keys masked in every record, matched
// case-insensitively. They cover both config field names and the catalog's
// query parameter names.
var secretKeys = map[string]struct{}{
	"password":      {},
	"dev_password":  {},
	"devpassword":   {},
	"user_password": {},
	"sspassword":    {},
}

var logger *slog.Logger

// Setup installs a logger writing to stderr as the slog default.
func Setup(cfg Config) {
	SetupWriter(cfg, os.Stderr)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(cfg Config, w io.Writer) {
	logger = slog.New(newHandler(cfg, w))
	slog.SetDefault(logger)
}

func newHandler(cfg Config, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redact,
	}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[strings.ToLower(a.Key)]; ok && a.Value.String() != "" {
		return slog.String(a.Key, redacted)
	}
	return a
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	switch strings.ToLower(level) {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Get returns the configured logger, or slog's default before Setup.
func Get() *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// Component returns base tagged with a component name. A nil base falls back
// to Get().
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = Get()
	}
	return base.With("component", name)
}

func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
func Info(msg string, args ...any)  { Get().Info(msg, args...) }
func Warn(msg string, args ...any)  { Get().Warn(msg, args...) }
func Error(msg string, args ...any) { Get().Error(msg, args...) }

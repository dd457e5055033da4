// Package logger provides structured logging using slog.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Config holds logger configuration.
type Config struct {
	Level   slog.Level
	Verbose bool

	// Dir, when non-empty, is the directory a JSON log file is written to
	// in addition to stderr.
	Dir string

	// Hostname overrides os.Hostname in the log file name. Used by tests.
	Hostname string
}

// LevelFromEnv parses the GRIZZLY_EXTRAS_LOGLEVEL environment variable.
// Unknown or empty values default to INFO.
func LevelFromEnv() slog.Level {
	return ParseLevel(os.Getenv("GRIZZLY_EXTRAS_LOGLEVEL"))
}

// ParseLevel converts a level name to a slog.Level. Unknown or empty
// values default to INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DirFromEnv resolves the log directory from GRIZZLY_LOG_DIR, relative to
// GRIZZLY_CONTEXT_ROOT when both are set. Empty when neither is set.
func DirFromEnv() string {
	root := os.Getenv("GRIZZLY_CONTEXT_ROOT")
	dir := os.Getenv("GRIZZLY_LOG_DIR")

	switch {
	case root != "" && dir != "":
		return filepath.Join(root, dir)
	case dir != "":
		return dir
	case root != "":
		return filepath.Join(root, "logs")
	default:
		return ""
	}
}

// FileName builds the per-start log file name for the given hostname and
// start time.
func FileName(hostname string, now time.Time) string {
	stamp := fmt.Sprintf("%s%06d", now.Format("20060102T150405"), now.Nanosecond()/1000)
	return fmt.Sprintf("async-messaged.%s.%s.log", hostname, stamp)
}

// Init initializes the global logger with the given configuration.
func Init(cfg Config) error {
	level := cfg.Level
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.Verbose,
	}

	handlers := []slog.Handler{slog.NewTextHandler(os.Stderr, opts)}

	if cfg.Dir != "" {
		hostname := cfg.Hostname
		if hostname == "" {
			hostname, _ = os.Hostname()
		}
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		path := filepath.Join(cfg.Dir, FileName(hostname, time.Now()))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}

	if len(handlers) == 1 {
		Logger = slog.New(handlers[0])
	} else {
		Logger = slog.New(fanout(handlers))
	}
	slog.SetDefault(Logger)

	return nil
}

// Default returns a basic default logger if Init hasn't been called.
func Default() *slog.Logger {
	if Logger == nil {
		_ = Init(Config{Level: slog.LevelInfo})
	}
	return Logger
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

// With returns a logger with additional attributes.
func With(args ...any) *slog.Logger {
	return Default().With(args...)
}

type multiHandler []slog.Handler

func fanout(handlers []slog.Handler) slog.Handler {
	return multiHandler(handlers)
}

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range m {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(multiHandler, len(m))
	for i, h := range m {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	next := make(multiHandler, len(m))
	for i, h := range m {
		next[i] = h.WithGroup(name)
	}
	return next
}

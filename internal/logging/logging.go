// Package logging provides structured logging for possync.
//
// This package wraps the standard library's log/slog package so every
// component logs the same way. Output goes to stdout and, optionally, to a
// size-rotated log file.
//
// Usage:
//
//	// Initialize at startup
//	logging.Setup(logging.Options{Level: slog.LevelInfo})
//
//	// Get a component logger
//	log := logging.Component("sync")
//	log.Info("table synced", "source", "north", "table", "customers")
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Options configures Setup.
type Options struct {
	Level slog.Level

	// Format is "text", "json" or empty. Empty picks text on a terminal
	// and JSON otherwise.
	Format string

	// File enables rotated file output in addition to Output.
	File *FileOptions

	// Output defaults to stdout.
	Output *os.File
}

// FileOptions configures the rotated log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWithHandler(newHandler(os.Stdout, level, jsonFormat))
}

// Setup initializes the global logger from Options and returns a closer for
// the log file (a no-op closer when no file is configured).
func Setup(opts Options) io.Closer {
	console := opts.Output
	if console == nil {
		console = os.Stdout
	}
	var out io.Writer = console
	var closer io.Closer = nopCloser{}

	if opts.File != nil && opts.File.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File.Path,
			MaxSize:    opts.File.MaxSizeMB,
			MaxBackups: opts.File.MaxBackups,
			MaxAge:     opts.File.MaxAgeDays,
			Compress:   opts.File.Compress,
		}
		out = io.MultiWriter(console, lj)
		closer = lj
	}

	jsonFormat := strings.EqualFold(opts.Format, "json")
	if opts.Format == "" {
		jsonFormat = !term.IsTerminal(int(console.Fd()))
	}

	InitWithHandler(newHandler(out, opts.Level, jsonFormat))
	return closer
}

// ParseLevel maps a config string to a slog level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer, level slog.Level, jsonFormat bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	if jsonFormat {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// Component returns a logger for a specific component.
//
// The returned logger resolves the global logger at every call, so
// package-level component loggers created before Setup still honour the
// configured handler.
func Component(name string) *slog.Logger {
	return slog.New(componentHandler{name: name})
}

// componentHandler defers to the current global handler.
type componentHandler struct {
	name  string
	attrs []slog.Attr
	group string
}

func (h componentHandler) target() slog.Handler {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	var handler slog.Handler = Logger.Handler().WithAttrs([]slog.Attr{slog.String("component", h.name)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	if h.group != "" {
		handler = handler.WithGroup(h.group)
	}
	return handler
}

func (h componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.target().Enabled(ctx, level)
}

func (h componentHandler) Handle(ctx context.Context, r slog.Record) error {
	if runID, ok := ctx.Value(contextKeyRunID).(string); ok {
		r.AddAttrs(slog.String("run_id", runID))
	}
	return h.target().Handle(ctx, r)
}

func (h componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

func (h componentHandler) WithGroup(name string) slog.Handler {
	next := h
	next.group = name
	return next
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyRunID contextKey = iota
)

// ContextWithRunID tags every record logged with ctx by a component logger.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, contextKeyRunID, runID)
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Info logs at info level.
func Info(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Error(msg, args...)
}

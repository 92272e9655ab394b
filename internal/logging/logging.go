package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Setup configures the global slog.Default() logger and returns it.
// format: "text", "json", or "auto" (json unless stderr is a terminal).
// level: "debug", "info", "warn", "error".
func Setup(format, level string) *slog.Logger {
	return New(os.Stderr, format, level, term.IsTerminal(int(os.Stderr.Fd())))
}

// New builds a logger writing to w. interactive decides what "auto" resolves to.
func New(w io.Writer, format, level string, interactive bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	switch ResolveFormat(format, interactive) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ResolveFormat maps a configured format onto "text" or "json".
func ResolveFormat(format string, interactive bool) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return "json"
	case "text":
		return "text"
	default:
		if interactive {
			return "text"
		}
		return "json"
	}
}

// ParseLevel converts a level string to slog.Level.
// Defaults to slog.LevelInfo for unrecognized values.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Component returns a child logger tagged with the component name. A nil
// logger yields a discarding one so constructors can accept nil.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger.With("component", name)
}

// Discard returns a *slog.Logger that discards all output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

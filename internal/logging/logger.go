package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that outputs text or JSON depending on config.
// Unknown level strings fall back to info.
func New(jsonMode bool, level string) *Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return &Logger{slog.New(handler)}
}

// ParseLevel maps a level name onto a slog level.
func ParseLevel(level string) slog.Level {
	switch level {
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

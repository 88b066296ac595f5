// Package log configures structured logging for all testflow components.
package log

import (
	"log/slog"
	"os"
)

// Setup installs the process-wide default logger at the given level and
// returns the ring buffer capturing recent records for the status API.
func Setup(logLevel string) *RingHandler {
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	text := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	ring := NewRingHandler(text, defaultRingCapacity)

	slog.SetDefault(slog.New(ring))

	return ring
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}

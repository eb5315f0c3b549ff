package silotesting

import (
	"log/slog"
	"os"
)

// NewLogger returns a logger for tests. Only errors are logged unless DEBUG
// is set: DEBUG=1 shows info, DEBUG=2 shows debug.
func NewLogger() *slog.Logger {
	debugLevel := os.Getenv("DEBUG")
	var level slog.Level
	switch debugLevel {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Package logging provides slog setup helpers shared by every vulpini component.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup initializes a JSON slog logger at the given level and sets it as the
// process default. A nil output falls back to stdout.
func Setup(level string, output io.Writer) *slog.Logger {
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	logger := slog.New(slog.NewJSONHandler(output, opts))
	slog.SetDefault(logger)
	return logger
}

// ParseLevel converts a vulpini config log level to slog.Level. Unknown
// levels fall back to Info rather than failing, matching the config
// validator's preference for warnings over hard errors.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

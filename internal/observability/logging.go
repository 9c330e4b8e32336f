// Package observability provides structured logging and Prometheus metrics
// for the orchestration engine.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text".
	// JSON is recommended for production; text for development.
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer
}

// NewLogger creates a structured slog logger with the given configuration.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	return slog.New(handler)
}

package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string `yaml:"level" envconfig:"LEVEL" validate:"omitempty,oneof=debug info warn warning error"`

	// Format is "json" or "text"
	Format string `yaml:"format" envconfig:"FORMAT" validate:"omitempty,oneof=json text"`

	// File, when set, sends logs to a size-rotated file instead of Output.
	File       string `yaml:"file" envconfig:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" envconfig:"MAX_SIZE_MB" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" envconfig:"MAX_BACKUPS" validate:"gte=0"`

	// Output is the writer used when File is empty (defaults to os.Stdout)
	Output io.Writer `yaml:"-" ignored:"true"`
}

// NewLogger builds the slog logger every component receives by injection.
// Unknown levels fall back to info and unknown formats to json.
func NewLogger(config LogConfig) *slog.Logger {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	if config.File != "" {
		out = &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			Compress:   true,
		}
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(config.Level)}

	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler).With("service", "litepost")
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// NopLogger discards everything. Used as the default when no logger is injected.
func NopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

package config

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger installs the process-wide structured logger. Level names
// follow slog's own parsing ("debug", "info", "warn", "error",
// case-insensitive); unknown values fall back to info. Every record
// carries a service attribute so logs from several batchbus instances
// stay filterable in aggregation.
func InitLogger(cfg *Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.LogFormat) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler).With("service", "batchbus"))

	slog.Info("Logger configured",
		"level", level.String(),
		"format", cfg.LogFormat,
	)
}

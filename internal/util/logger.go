package util

import (
	"fmt"
	"log/slog"
	"os"
)

type Logger = *slog.Logger

func NewLogger() *slog.Logger {
	return NewLoggerWithLevel(slog.LevelInfo)
}

func NewLoggerWithLevel(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// ParseLevel maps a config log level string onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Package logging sets up the process-wide zerolog logger.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"rl-trading-bot/config"
)

// New builds the root logger from config: JSON to stdout in production,
// console writer for local runs.
func New(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level := parseLevel(cfg.Level)
	if cfg.JSONFormat {
		return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

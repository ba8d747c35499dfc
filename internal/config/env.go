package config

import (
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
)

// LevelTrace sits below debug; per-frame logging uses it.
const LevelTrace = slog.Level(-8)

// LoadEnv reads a .env file from the working directory into the process
// environment. Variables that are already set win. A missing file is
// reported as an os.IsNotExist error.
func LoadEnv() error {
	return godotenv.Load()
}

// SlogLevel maps log_level to a slog level, defaulting to info. "trace"
// enables per-frame logging.
func (t TelemetryConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(t.LogLevel)) {
	case "trace":
		return LevelTrace
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

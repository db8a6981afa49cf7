package main

import (
	"log/slog"
	"os"

	"miel/internal/config"
)

func resolveConfigPath(flagValue string) string {
	if path := config.ResolvePath(flagValue); path != "" {
		return path
	}
	return "/etc/miel/miel.toml"
}

// newLogger builds the process-wide structured logger from a config
// already run through config.ApplyEnvOverrides, so MIEL_LOG_LEVEL and
// MIEL_LOG_DIR have already taken effect by the time level/dir arrive
// here.
func newLogger(level, dir string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	out := os.Stdout
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err == nil {
			if f, err := os.OpenFile(dir+"/miel.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
				handler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: lvl})
				return slog.New(handler)
			}
		}
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl}))
}

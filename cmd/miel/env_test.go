package main

import (
	"context"
	"log/slog"
	"os"
	"testing"
)

func TestNewLoggerFallsBackToDefaultLevelOnGarbage(t *testing.T) {
	logger := newLogger("not-a-level", "")
	if logger == nil {
		t.Fatal("expected a non-nil logger")
	}
	if !logger.Handler().Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected garbage level input to fall back to info")
	}
}

func TestNewLoggerHonorsExplicitLevel(t *testing.T) {
	logger := newLogger("debug", "")
	if !logger.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug level to be enabled")
	}
}


func TestNewLoggerWritesToDirWhenSet(t *testing.T) {
	dir := t.TempDir()
	logger := newLogger("info", dir)
	logger.Info("hello")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "miel.log" {
		t.Errorf("expected miel.log to be created, got %v", entries)
	}
}

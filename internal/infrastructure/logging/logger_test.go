package logging

import (
	"log/slog"
	"testing"

	"github.com/alicia-home/alicia-core/internal/infrastructure/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewDoesNotPanic(t *testing.T) {
	cfg := config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}
	log := New(cfg, "test-service", "1.0.0")
	if log == nil {
		t.Fatal("New() returned nil")
	}
	log.Debug("debug message", "key", "value")

	child := log.With("component", "test")
	if child == nil {
		t.Fatal("With() returned nil")
	}
	child.Info("child message")
}

func TestDefault(t *testing.T) {
	log := Default("bootstrap")
	if log == nil {
		t.Fatal("Default() returned nil")
	}
	log.Info("default logger works")
}

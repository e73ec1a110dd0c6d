package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"pricealerts/internal/config"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"nonsense", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		l, err := New(config.LogConfig{Level: tt.level, Encoding: "json"})
		if err != nil {
			t.Fatalf("New(%q): %v", tt.level, err)
		}
		if !l.Core().Enabled(tt.want) {
			t.Fatalf("level %q: %s not enabled", tt.level, tt.want)
		}
		if tt.want > zapcore.DebugLevel && l.Core().Enabled(tt.want-1) {
			t.Fatalf("level %q: %s unexpectedly enabled", tt.level, tt.want-1)
		}
	}
}

func TestNewConsole(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "info", Encoding: "console", Sampling: true}); err != nil {
		t.Fatalf("err=%v", err)
	}
}

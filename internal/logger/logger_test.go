package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"verbose": zerolog.InfoLevel,
	}
	for input, want := range tests {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestSetupWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sentinel.log")
	Setup(Options{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	t.Cleanup(func() { Init("info", "json") })

	Info("hello %s", "world")
	Debug("suppressed at info level")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected log output in file")
	}
}

func TestSetVerbose(t *testing.T) {
	Init("error", "json")
	SetVerbose()
	if got := Get().GetLevel(); got != zerolog.DebugLevel {
		t.Errorf("level after SetVerbose = %v, want debug", got)
	}
}

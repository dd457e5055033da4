package logger

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
	}{
		{name: "DEBUG", want: slog.LevelDebug},
		{name: "debug", want: slog.LevelDebug},
		{name: "WARNING", want: slog.LevelWarn},
		{name: "ERROR", want: slog.LevelError},
		{name: "INFO", want: slog.LevelInfo},
		{name: "", want: slog.LevelInfo},
		{name: "bogus", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.name); got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestDirFromEnv(t *testing.T) {
	tests := []struct {
		name string
		root string
		dir  string
		want string
	}{
		{name: "both set", root: "/srv/grizzly", dir: "logs", want: "/srv/grizzly/logs"},
		{name: "dir only", dir: "/var/log/grizzly", want: "/var/log/grizzly"},
		{name: "root only", root: "/srv/grizzly", want: "/srv/grizzly/logs"},
		{name: "neither", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GRIZZLY_CONTEXT_ROOT", tt.root)
			t.Setenv("GRIZZLY_LOG_DIR", tt.dir)
			if got := DirFromEnv(); got != tt.want {
				t.Errorf("DirFromEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFileName(t *testing.T) {
	now := time.Date(2026, 8, 24, 13, 37, 42, 123456000, time.UTC)

	got := FileName("loadgen-1", now)
	if !strings.HasPrefix(got, "async-messaged.loadgen-1.20260824T133742") {
		t.Errorf("FileName() = %q", got)
	}
	if !strings.HasSuffix(got, ".log") {
		t.Errorf("FileName() = %q, want .log suffix", got)
	}
	if !strings.Contains(got, "123456") {
		t.Errorf("FileName() = %q, want microsecond suffix", got)
	}
}

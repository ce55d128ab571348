package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("info", &buf)
	log.Info("hello", "key", "value")

	if buf.Len() == 0 {
		t.Fatal("expected log output, got nothing")
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"hello"`)) {
		t.Errorf("expected JSON msg field, got: %s", buf.String())
	}
}

func TestValidateLevel(t *testing.T) {
	for _, valid := range []string{"", "debug", " Info ", "WARN", "warning", "error"} {
		if _, err := ValidateLevel(valid); err != nil {
			t.Errorf("ValidateLevel(%q) error = %v", valid, err)
		}
	}
	for _, invalid := range []string{"trace", "loud", "5"} {
		if _, err := ValidateLevel(invalid); err == nil {
			t.Errorf("ValidateLevel(%q) error = nil, want non-nil", invalid)
		}
	}
}

func TestNewWithWriterFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("warn", &buf)
	log.Info("dropped")
	log.Warn("kept", "scope", "world")

	if bytes.Contains(buf.Bytes(), []byte("dropped")) {
		t.Fatalf("info record written at warn level: %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"scope":"world"`)) {
		t.Fatalf("expected warn record with attributes, got: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	log := Discard()
	if log.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("Discard() logger should not be enabled")
	}
}

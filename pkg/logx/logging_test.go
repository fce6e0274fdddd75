package logx

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))

	log.Info("hello", Int("n", 3), Float64("mbps", 12.5))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "hello" {
		t.Fatalf("message = %v, want hello", m["message"])
	}
	if m["comp"] != "test" {
		t.Fatalf("comp = %v, want test", m["comp"])
	}
	if m["n"] != float64(3) {
		t.Fatalf("n = %v, want 3", m["n"])
	}
	caller, _ := m["caller"].(string)
	if !strings.HasPrefix(caller, "logging_test.go:") {
		t.Fatalf("caller = %q, want logging_test.go:<line>", caller)
	}
}

func TestWriterLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatal("Enabled(info) = true at warn level")
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn line missing: %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{" WARNING ", LevelWarn, true},
		{"error", LevelError, true},
		{"loud", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if ok != tt.ok {
			t.Fatalf("ParseLevel(%q) ok = %v, want %v", tt.in, ok, tt.ok)
		}
		if ok && got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

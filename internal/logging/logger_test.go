// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

// TestLogger_levels verifies entries below the minimum level are dropped.
func TestLogger_levels(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")
	l.Error("error", errors.New("boom"))

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Level != "WARN" || entries[1].Level != "ERROR" {
		t.Errorf("unexpected levels: %s, %s", entries[0].Level, entries[1].Level)
	}
	if entries[1].Error != "boom" {
		t.Errorf("Error = %q, want boom", entries[1].Error)
	}
}

// TestLogger_namedAndFields verifies component tags and inherited fields.
func TestLogger_namedAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug).Named("queue").With(map[string]interface{}{"instance": "a"})

	l.Info("enqueued", map[string]interface{}{"record_id": "r1"})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Component != "queue" {
		t.Errorf("Component = %q, want queue", e.Component)
	}
	if e.Context["instance"] != "a" || e.Context["record_id"] != "r1" {
		t.Errorf("Context = %v", e.Context)
	}
}

// TestLogger_getContext covers merge precedence.
func TestLogger_getContext(t *testing.T) {
	l := Discard()

	if got := l.getContext(); got != nil {
		t.Errorf("getContext() = %v, want nil", got)
	}

	got := l.getContext(map[string]interface{}{"a": 1, "b": 1}, map[string]interface{}{"b": 2})
	if got["a"] != 1 || got["b"] != 2 {
		t.Errorf("getContext merge = %v", got)
	}
}

// TestParseLevel covers known and unknown names.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{" WARN ", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// TestNew_invalidLevel falls back to INFO.
func TestNew_invalidLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LogLevel("LOUD"))
	l.Debug("hidden")
	l.Info("shown")

	if entries := decodeLines(t, &buf); len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
}

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_WritesToFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, LevelInfo)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Info("pool started", "max_instances", 10)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "agentpool.log"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("log entry is not valid JSON: %v", err)
	}

	if entry["msg"] != "pool started" {
		t.Errorf("Expected msg 'pool started', got %v", entry["msg"])
	}
	if entry["max_instances"] != float64(10) {
		t.Errorf("Expected max_instances 10, got %v", entry["max_instances"])
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, LevelWarn)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Info("should be filtered")
	logger.Warn("should appear")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "agentpool.log"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	content := string(data)
	if strings.Contains(content, "should be filtered") {
		t.Error("INFO message should have been filtered at WARN level")
	}
	if !strings.Contains(content, "should appear") {
		t.Error("WARN message should have been logged")
	}
}

func TestLogger_WithSession(t *testing.T) {
	dir := t.TempDir()

	logger, err := NewLogger(dir, LevelDebug)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	child := logger.WithSession("sess-1").WithInstance("inst-1")
	child.Info("message routed")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "agentpool.log"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("log entry is not valid JSON: %v", err)
	}

	if entry["session_id"] != "sess-1" {
		t.Errorf("Expected session_id 'sess-1', got %v", entry["session_id"])
	}
	if entry["instance_id"] != "inst-1" {
		t.Errorf("Expected instance_id 'inst-1', got %v", entry["instance_id"])
	}
}

func TestLogger_ChildDoesNotMutateParent(t *testing.T) {
	logger := NopLogger()

	child := logger.WithSession("sess-1")
	if len(logger.attrs) != 0 {
		t.Error("Parent logger attrs should be unchanged after WithSession")
	}
	if len(child.attrs) != 1 {
		t.Errorf("Child logger should have 1 attr, got %d", len(child.attrs))
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"DEBUG", LevelDebug},
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"WARN", LevelWarn},
		{"ERROR", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		got := parseLevel(tt.input)
		want := parseLevel(tt.want)
		if got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, want)
		}
	}
}

func TestNopLogger_DiscardsOutput(t *testing.T) {
	logger := NopLogger()

	// Must not panic and Close must be a no-op.
	logger.Info("discarded")
	if err := logger.Close(); err != nil {
		t.Errorf("Close on NopLogger should not error: %v", err)
	}
}

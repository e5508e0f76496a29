package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func readRecords(t *testing.T, dir string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	return records(data)
}

func TestBridgeWriterParsesCategory(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir})
	defer Shutdown()

	bw := NewBridgeWriter(CompMCP)

	tests := []struct {
		input    string
		wantComp string
		wantMsg  string
	}{
		{"[JSONRPC] read frame\n", CompMCP, "read frame"},
		{"[ZMX] list took 40ms\n", CompRegistry, "list took 40ms"},
		{"[OSASCRIPT] script finished\n", CompAutomation, "script finished"},
		{"[WAIT] polling\n", CompTerminal, "polling"},
		{"plain message without category\n", CompMCP, "plain message without category"},
		{"[OTHER] left alone\n", "other", "left alone"},
	}
	for _, tt := range tests {
		_, _ = bw.Write([]byte(tt.input))
	}

	records := readRecords(t, dir)
	if len(records) != len(tests) {
		t.Fatalf("expected %d records, got %d", len(tests), len(records))
	}
	for i, tt := range tests {
		r := records[i]
		if r["component"] != tt.wantComp {
			t.Errorf("input %q: expected component=%s, got %v", tt.input, tt.wantComp, r["component"])
		}
		if r["msg"] != tt.wantMsg {
			t.Errorf("input %q: expected msg=%q, got %v", tt.input, tt.wantMsg, r["msg"])
		}
	}
}

func TestBridgeWriterStripsTimestamp(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir})
	defer Shutdown()

	bw := NewBridgeWriter(CompMCP)
	_, _ = bw.Write([]byte("2026/10/18 09:15:02 [ZMX] attach failed\n"))

	records := readRecords(t, dir)
	if len(records) == 0 {
		t.Fatal("no valid JSON record found")
	}
	if records[0]["msg"] != "attach failed" {
		t.Errorf("expected msg='attach failed', got %v", records[0]["msg"])
	}
	if records[0]["component"] != CompRegistry {
		t.Errorf("expected component=%s, got %v", CompRegistry, records[0]["component"])
	}
}

func TestBridgeWriterEmptyInput(t *testing.T) {
	Shutdown()

	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir})
	defer Shutdown()

	bw := NewBridgeWriter(CompMCP)
	n, err := bw.Write([]byte("   \n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 4 {
		t.Errorf("expected n=4, got %d", n)
	}

	data, _ := os.ReadFile(filepath.Join(dir, LogFileName))
	if len(data) > 0 {
		t.Errorf("expected empty log for whitespace input, got %q", string(data))
	}
}

func TestStripLogTimestamp(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"2026/10/18 09:15:02 hello", "hello"},
		{"15:04:05 hello", "hello"},
		{"no timestamp here", "no timestamp here"},
		{"2026/10/18 09:15:02 [ZMX] msg", "[ZMX] msg"},
	}
	for _, tt := range tests {
		if got := stripLogTimestamp(tt.input); got != tt.want {
			t.Errorf("stripLogTimestamp(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestCanonicalComponent(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"mcp", CompMCP},
		{"stdio", CompMCP},
		{"zmx", CompRegistry},
		{"capture", CompAutomation},
		{"manager", CompTerminal},
		{"sqlite", CompJournal},
		{"unknown-category", "unknown-category"},
	}
	for _, tt := range tests {
		if got := canonicalComponent(tt.input); got != tt.want {
			t.Errorf("canonicalComponent(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

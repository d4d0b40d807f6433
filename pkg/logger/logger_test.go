package logger

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestInitWritesAuditStreamToFile(t *testing.T) {
	reset()
	t.Cleanup(reset)

	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "provenance.log")
	appPath := filepath.Join(dir, "app.log")

	if err := Init(Config{Level: "debug", OutputPaths: []string{appPath}, Audit: AuditConfig{Enabled: true, Path: auditPath}}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	Audit().Info("action_recorded", slog.String("action_id", "act-1"))
	Named("manager").Debug("agent registered", slog.String("agent_id", "a1"))
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	file, err := os.Open(auditPath)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatalf("expected an audit line")
	}
	var record map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
		t.Fatalf("decode audit line: %v", err)
	}
	if record["action_id"] != "act-1" || record["stream"] != "audit" {
		t.Fatalf("unexpected audit record: %v", record)
	}

	content, err := os.ReadFile(appPath)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	var appRecord map[string]any
	if err := json.Unmarshal(content, &appRecord); err != nil {
		t.Fatalf("decode app line: %v", err)
	}
	if appRecord["component"] != "manager" {
		t.Fatalf("expected component attribute, got %v", appRecord)
	}
}

func TestInitTwiceFails(t *testing.T) {
	reset()
	t.Cleanup(reset)

	if err := Init(Config{OutputPaths: []string{"stderr"}}); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if err := Init(Config{}); err == nil {
		t.Fatalf("expected second init to fail")
	}
}

func TestAuditRequiresPath(t *testing.T) {
	reset()
	t.Cleanup(reset)

	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
	if L() == nil {
		t.Fatalf("L should fall back to a default logger")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

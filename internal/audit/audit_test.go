package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("ok", "agent.force_stop", "max_runtime_exceeded", "agent-1")
	Record("fail", "cleanup.archival", "database is locked", "task-9")

	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(lines))
	}

	var first map[string]string
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal audit entry: %v", err)
	}
	if first["outcome"] != "ok" || first["action"] != "agent.force_stop" {
		t.Fatalf("unexpected first entry: %#v", first)
	}
	if first["subject"] != "agent-1" {
		t.Fatalf("expected subject agent-1, got %q", first["subject"])
	}
	if first["timestamp"] == "" {
		t.Fatal("expected timestamp")
	}
}

func TestRecordCountsFailures(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := FailCount()
	Record("ok", "cleanup.force", "operator requested", "task-1")
	Record("fail", "cleanup.delayed", "disk full", "task-2")
	Record("fail", "cleanup.delayed", "disk full", "task-3")

	if got := FailCount() - before; got != 2 {
		t.Fatalf("fail count delta = %d, want 2", got)
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("fail", "cleanup.immediate", "webhook auth_token=abcdef1234567890abcdef rejected", "task-4")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if strings.Contains(string(raw), "abcdef1234567890abcdef") {
		t.Fatal("expected token to be redacted from audit log")
	}
	if !strings.Contains(string(raw), "[REDACTED]") {
		t.Fatal("expected redaction placeholder in audit log")
	}
}

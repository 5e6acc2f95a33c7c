package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-warden/internal/config"
)

func TestSend_PostsWebhook(t *testing.T) {
	received := make(chan Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		var msg Message
		if err := json.Unmarshal(body, &msg); err != nil {
			t.Errorf("unmarshal body: %v", err)
		}
		received <- msg
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(config.NotifyConfig{WebhookURL: srv.URL, TimeoutSeconds: 5}, t.TempDir())
	n.Send(context.Background(), Message{TaskID: "task-1", AgentID: "agent-1", Status: "completed"})

	select {
	case msg := <-received:
		if msg.TaskID != "task-1" || msg.Status != "completed" {
			t.Fatalf("message = %+v", msg)
		}
		if msg.Timestamp.IsZero() {
			t.Fatal("timestamp not filled")
		}
	default:
		t.Fatal("webhook not called")
	}
}

func TestSend_WebhookFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(config.NotifyConfig{WebhookURL: srv.URL, TimeoutSeconds: 5}, t.TempDir())
	// Must not panic or block; failures are log-only.
	n.Send(context.Background(), Message{TaskID: "task-1", Status: "failed"})
}

func TestSend_WritesOutboxMessage(t *testing.T) {
	home := t.TempDir()
	n := New(config.NotifyConfig{EmailTo: []string{"ops@example.com"}, TimeoutSeconds: 5}, home)

	n.Send(context.Background(), Message{
		TaskID:  "task-1",
		AgentID: "agent-1",
		Status:  "completed",
		Summary: "fetched 120 bytes",
	})

	entries, err := os.ReadDir(filepath.Join(home, "outbox"))
	if err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("outbox entries = %d, want 1", len(entries))
	}
	raw, err := os.ReadFile(filepath.Join(home, "outbox", entries[0].Name()))
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	text := string(raw)
	if !strings.Contains(text, "To: ops@example.com") {
		t.Fatalf("missing recipient:\n%s", text)
	}
	if !strings.Contains(text, "task-1") || !strings.Contains(text, "fetched 120 bytes") {
		t.Fatalf("missing body content:\n%s", text)
	}
}

func TestSend_NoSinksConfigured(t *testing.T) {
	n := New(config.NotifyConfig{TimeoutSeconds: 5}, t.TempDir())
	n.Send(context.Background(), Message{TaskID: "task-1", Status: "completed"})
}

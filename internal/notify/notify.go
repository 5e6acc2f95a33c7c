// Package notify delivers best-effort task completion notifications. Delivery
// failures are logged and never propagate into the cleanup pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-warden/internal/config"
	"github.com/basket/go-warden/internal/otel"
)

// Message is one completion notification.
type Message struct {
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Status    string    `json:"status"`
	Summary   string    `json:"summary,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier fans a message out to the configured sinks.
type Notifier struct {
	cfg     config.NotifyConfig
	homeDir string
	client  *http.Client
}

func New(cfg config.NotifyConfig, homeDir string) *Notifier {
	return &Notifier{
		cfg:     cfg,
		homeDir: homeDir,
		client:  &http.Client{Timeout: cfg.Timeout()},
	}
}

// Send delivers msg to every configured sink. Always returns nil error
// semantics to callers: failures are logged only.
func (n *Notifier) Send(ctx context.Context, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if n.cfg.WebhookURL != "" {
		if err := n.postWebhook(ctx, msg); err != nil {
			slog.Warn("webhook notification failed", "task_id", msg.TaskID, "error", err)
		}
	}
	if len(n.cfg.EmailTo) > 0 {
		if err := n.writeOutbox(msg); err != nil {
			slog.Warn("outbox notification failed", "task_id", msg.TaskID, "error", err)
		}
	}
}

func (n *Notifier) postWebhook(ctx context.Context, msg Message) error {
	ctx, span := otel.StartClientSpan(ctx, otel.Tracer(), "notify.webhook",
		otel.AttrTaskID.String(msg.TaskID))
	defer span.End()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// writeOutbox drops the notification into homeDir/outbox as a message file.
// An external mailer is expected to pick these up.
func (n *Notifier) writeOutbox(msg Message) error {
	dir := filepath.Join(n.homeDir, "outbox")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create outbox: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\n", strings.Join(n.cfg.EmailTo, ", "))
	fmt.Fprintf(&b, "Subject: task %s %s\n", msg.TaskID, msg.Status)
	fmt.Fprintf(&b, "Date: %s\n\n", msg.Timestamp.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Task %s on agent %s finished with status %q.\n", msg.TaskID, msg.AgentID, msg.Status)
	if msg.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", msg.Summary)
	}

	name := fmt.Sprintf("%s-%s.eml", msg.Timestamp.Format("20060102T150405"), uuid.NewString()[:8])
	if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write outbox message: %w", err)
	}
	return nil
}

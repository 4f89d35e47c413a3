// Package notify drains the notification outbox. State changes enqueue rows
// transactionally; this package delivers them out of band so a slow or down
// notification channel never blocks task lifecycle writes.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/atlashq/dispatch/internal/store"
)

// Sender delivers one notification to its channel.
type Sender interface {
	Send(ctx context.Context, n store.Notification) error
}

// LogSender writes notifications to the structured log. It is the default
// channel when no webhook is configured, useful in development and tests.
type LogSender struct {
	Log *slog.Logger
}

func (s *LogSender) Send(_ context.Context, n store.Notification) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("notification",
		"event_type", n.EventType,
		"task_id", n.TaskID,
		"recipient", n.Recipient,
		"payload", n.Payload,
	)
	return nil
}

// WebhookSender POSTs the notification payload to a fixed URL. The receiving
// side (mail relay, Slack bridge) owns formatting per channel.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

func (s *WebhookSender) Send(ctx context.Context, n store.Notification) error {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader([]byte(n.Payload)))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dispatch-Event", n.EventType)
	req.Header.Set("X-Dispatch-Recipient", n.Recipient)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

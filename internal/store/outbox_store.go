package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notification statuses.
const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

// OutboxEvent is a pending notification appended transactionally with the
// state change that triggers it.
type OutboxEvent struct {
	ID        string
	EventType string
	TaskID    string
	Recipient string
	Payload   string // JSON
}

// Notification is a stored outbox row as seen by the dispatcher.
type Notification struct {
	ID        string
	EventType string
	TaskID    string
	Recipient string
	Payload   string
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	SentAt    *time.Time
}

// enqueueOutboxTx appends one event inside the caller's transaction.
func enqueueOutboxTx(tx txExecutor, ev *OutboxEvent, now time.Time) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	var taskID interface{}
	if ev.TaskID != "" {
		taskID = ev.TaskID
	}
	_, err := tx.Exec(`
		INSERT INTO notifications (id, event_type, task_id, recipient_email, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.EventType, taskID, ev.Recipient, ev.Payload, NotificationPending,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// EnqueueNotification appends an event outside any larger transaction.
func (s *SQLiteStore) EnqueueNotification(ev *OutboxEvent) error {
	return enqueueOutboxTx(s.db, ev, time.Now().UTC())
}

// PendingNotifications returns up to limit undelivered events, oldest first.
func (s *SQLiteStore) PendingNotifications(limit int) ([]Notification, error) {
	rows, err := s.db.Query(`
		SELECT id, event_type, task_id, recipient_email, payload, status, attempts, last_error, created_at, sent_at
		FROM notifications
		WHERE status = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?
	`, NotificationPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		var n Notification
		var taskID, sentAt sql.NullString
		var createdAt string
		if err := rows.Scan(&n.ID, &n.EventType, &taskID, &n.Recipient, &n.Payload,
			&n.Status, &n.Attempts, &n.LastError, &createdAt, &sentAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.TaskID = taskID.String
		n.SentAt = parseTimePtr(sentAt)
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, n)
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, fmt.Errorf("pending notifications: %w", err)
	}
	return out, nil
}

// MarkNotificationSent records a successful delivery.
func (s *SQLiteStore) MarkNotificationSent(id string, now time.Time) error {
	nowStr := now.UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE notifications
		SET status = ?, attempts = attempts + 1, last_error = '', sent_at = ?
		WHERE id = ?
	`, NotificationSent, nowStr, id)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	return nil
}

// MarkNotificationFailed records a delivery failure. The row stays pending
// for retry until attempts reaches maxAttempts, then goes failed. Failures
// never block or reverse the state transition that produced the event.
func (s *SQLiteStore) MarkNotificationFailed(id, deliveryErr string, maxAttempts int) error {
	_, err := s.db.Exec(`
		UPDATE notifications
		SET attempts = attempts + 1,
		    last_error = ?,
		    status = CASE WHEN attempts + 1 >= ? THEN ? ELSE ? END
		WHERE id = ?
	`, deliveryErr, maxAttempts, NotificationFailed, NotificationPending, id)
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	return nil
}

package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/atlashq/dispatch/internal/store"
)

const (
	// DefaultInterval is how often the dispatcher polls for pending rows.
	DefaultInterval = 5 * time.Second
	// batchSize caps how many rows one tick drains.
	batchSize = 50
	// maxAttempts marks a row failed permanently after this many tries.
	maxAttempts = 5
)

// Dispatcher polls the outbox and hands pending notifications to a Sender.
// Delivery is at-least-once: a crash between Send and MarkSent redelivers.
type Dispatcher struct {
	store    *store.SQLiteStore
	sender   Sender
	log      *slog.Logger
	interval time.Duration
	done     chan struct{}
}

// NewDispatcher creates a dispatcher. A zero interval uses DefaultInterval.
func NewDispatcher(st *store.SQLiteStore, sender Sender, log *slog.Logger, interval time.Duration) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Dispatcher{
		store:    st,
		sender:   sender,
		log:      log,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start runs the polling loop until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.DrainOnce(ctx)
			}
		}
	}()
}

// Wait blocks until the loop started by Start has exited.
func (d *Dispatcher) Wait() {
	<-d.done
}

// DrainOnce delivers one batch of pending notifications. It returns the
// number of rows delivered; failures are recorded on the row and retried on
// a later tick.
func (d *Dispatcher) DrainOnce(ctx context.Context) int {
	pending, err := d.store.PendingNotifications(batchSize)
	if err != nil {
		d.log.Error("outbox poll failed", "error", err)
		return 0
	}

	sent := 0
	for _, n := range pending {
		if ctx.Err() != nil {
			return sent
		}
		if err := d.sender.Send(ctx, n); err != nil {
			d.log.Warn("notification delivery failed",
				"notification_id", n.ID, "event_type", n.EventType,
				"attempts", n.Attempts+1, "error", err)
			if merr := d.store.MarkNotificationFailed(n.ID, err.Error(), maxAttempts); merr != nil {
				d.log.Error("failed to record delivery failure", "notification_id", n.ID, "error", merr)
			}
			continue
		}
		if err := d.store.MarkNotificationSent(n.ID, time.Now().UTC()); err != nil {
			d.log.Error("failed to mark notification sent", "notification_id", n.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

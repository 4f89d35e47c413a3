package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlashq/dispatch/internal/store"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []store.Notification
	fail error
}

func (r *recordingSender) Send(_ context.Context, n store.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, n)
	return nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func enqueue(t *testing.T, st *store.SQLiteStore, eventType string) *store.OutboxEvent {
	t.Helper()
	ev := &store.OutboxEvent{
		EventType: eventType,
		Recipient: "pm@client.example",
		Payload:   `{"event":"` + eventType + `"}`,
	}
	require.NoError(t, st.EnqueueNotification(ev))
	return ev
}

func TestDrainOnceDeliversOldestFirst(t *testing.T) {
	st := newTestStore(t)
	first := enqueue(t, st, "task_ready_for_review")
	second := enqueue(t, st, "task_shipped")

	sender := &recordingSender{}
	d := NewDispatcher(st, sender, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute)

	n := d.DrainOnce(context.Background())
	assert.Equal(t, 2, n)
	require.Len(t, sender.sent, 2)
	assert.Equal(t, first.ID, sender.sent[0].ID)
	assert.Equal(t, second.ID, sender.sent[1].ID)

	// Nothing left; a second drain is a no-op.
	assert.Equal(t, 0, d.DrainOnce(context.Background()))

	pending, err := st.PendingNotifications(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainOnceRetriesFailures(t *testing.T) {
	st := newTestStore(t)
	enqueue(t, st, "task_ready_for_review")

	sender := &recordingSender{fail: errors.New("relay down")}
	d := NewDispatcher(st, sender, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute)

	assert.Equal(t, 0, d.DrainOnce(context.Background()))

	// Still pending, with the failure recorded.
	pending, err := st.PendingNotifications(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "relay down", pending[0].LastError)

	// Relay recovers; the next drain delivers it.
	sender.mu.Lock()
	sender.fail = nil
	sender.mu.Unlock()
	assert.Equal(t, 1, d.DrainOnce(context.Background()))
}

func TestDrainOnceGivesUpAfterMaxAttempts(t *testing.T) {
	st := newTestStore(t)
	enqueue(t, st, "task_shipped")

	sender := &recordingSender{fail: errors.New("permanent")}
	d := NewDispatcher(st, sender, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute)

	for i := 0; i < maxAttempts; i++ {
		d.DrainOnce(context.Background())
	}

	pending, err := st.PendingNotifications(10)
	require.NoError(t, err)
	assert.Empty(t, pending, "row should be failed, not pending")
}

func TestWebhookSender(t *testing.T) {
	var (
		mu       sync.Mutex
		gotBody  string
		gotEvent string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = string(body)
		gotEvent = r.Header.Get("X-Dispatch-Event")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := &WebhookSender{URL: srv.URL, Client: srv.Client()}
	err := s.Send(context.Background(), store.Notification{
		EventType: "task_ready_for_review",
		Recipient: "pm@client.example",
		Payload:   `{"task_id":"t1"}`,
	})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, `{"task_id":"t1"}`, gotBody)
	assert.Equal(t, "task_ready_for_review", gotEvent)
}

func TestWebhookSenderNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := &WebhookSender{URL: srv.URL, Client: srv.Client()}
	err := s.Send(context.Background(), store.Notification{Payload: "{}"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestDispatcherStartStop(t *testing.T) {
	st := newTestStore(t)
	enqueue(t, st, "task_ready_for_review")

	sender := &recordingSender{}
	d := NewDispatcher(st, sender, slog.New(slog.NewTextHandler(io.Discard, nil)), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.sent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	d.Wait()
}

package ackworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dohoonidot/aaa-client/internal/notify"
	"github.com/dohoonidot/aaa-client/internal/storage"
)

type mockAcker struct {
	mu    sync.Mutex
	calls [][]string
	ackFn func(ctx context.Context, ids []string) (notify.AckResponse, error)
}

func (m *mockAcker) Ack(ctx context.Context, ids []string) (notify.AckResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, ids)
	m.mu.Unlock()
	if m.ackFn != nil {
		return m.ackFn(ctx, ids)
	}
	return notify.AckResponse{Deleted: len(ids)}, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func saveNotifications(t *testing.T, store *storage.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		n := storage.Notification{ID: id, Type: "alert", Title: "Notice", Message: "m", ReceivedAt: time.Now()}
		if _, err := store.SaveNotification(n); err != nil {
			t.Fatalf("SaveNotification: %v", err)
		}
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	saveNotifications(t, store, "e1", "e2")

	if err := NewQueue(store).Retry(context.Background(), []string{"e1", "e2"}, 3); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	acker := &mockAcker{}
	w := NewWorker(store, acker, time.Millisecond, nil)
	processed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !processed {
		t.Fatal("expected a job to be processed")
	}

	if len(acker.calls) != 1 || len(acker.calls[0]) != 2 {
		t.Fatalf("ack calls = %v, want one batch of 2", acker.calls)
	}
	unacked, _ := store.ListNotifications(storage.NotificationFilter{UnackedOnly: true})
	if len(unacked) != 0 {
		t.Errorf("unacked notifications = %d, want 0", len(unacked))
	}
	counts, _ := store.JobCounts()
	if counts["completed"] != 1 {
		t.Errorf("job counts = %v, want 1 completed", counts)
	}
}

func TestWorker_NoJob(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockAcker{}, 0, nil)

	processed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if processed {
		t.Error("expected no job to be processed")
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	NewQueue(store).Retry(context.Background(), []string{"e1"}, 3)

	acker := &mockAcker{ackFn: func(ctx context.Context, ids []string) (notify.AckResponse, error) {
		return notify.AckResponse{}, errors.New("server unavailable")
	}}
	w := NewWorker(store, acker, time.Millisecond, nil)

	processed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !processed {
		t.Fatal("expected a job to be processed")
	}

	counts, _ := store.JobCounts()
	if counts["pending"] != 1 {
		t.Errorf("job counts = %v, want the job back in pending", counts)
	}

	// Backoff pushes run_after into the future.
	processed, _ = w.RunOnce(context.Background())
	if processed {
		t.Error("job should not be claimable during backoff")
	}
}

func TestWorker_MaxAttemptsExceeded(t *testing.T) {
	store := openTestStore(t)
	NewQueue(store).Retry(context.Background(), []string{"e1"}, 1)

	acker := &mockAcker{ackFn: func(ctx context.Context, ids []string) (notify.AckResponse, error) {
		return notify.AckResponse{}, errors.New("boom")
	}}
	w := NewWorker(store, acker, time.Millisecond, nil)
	w.RunOnce(context.Background())

	counts, _ := store.JobCounts()
	if counts["failed"] != 1 {
		t.Errorf("job counts = %v, want 1 failed", counts)
	}
}

func TestWorker_BadPayload(t *testing.T) {
	store := openTestStore(t)
	store.EnqueueJob(storage.Job{ID: "bad", Type: JobType, PayloadJSON: `{"event_ids":[]}`, MaxAttempts: 1})

	acker := &mockAcker{}
	NewWorker(store, acker, time.Millisecond, nil).RunOnce(context.Background())

	if len(acker.calls) != 0 {
		t.Errorf("acker called %d times for an empty batch", len(acker.calls))
	}
	counts, _ := store.JobCounts()
	if counts["failed"] != 1 {
		t.Errorf("job counts = %v, want 1 failed", counts)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	for i := range 3 {
		NewQueue(store).Retry(context.Background(), []string{fmt.Sprintf("e%d", i)}, 3)
	}

	acker := &mockAcker{}
	w := NewWorker(store, acker, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		counts, _ := store.JobCounts()
		if counts["completed"] == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("jobs not drained, counts = %v", counts)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestQueue_RetryEmpty(t *testing.T) {
	store := openTestStore(t)
	if err := NewQueue(store).Retry(context.Background(), nil, 3); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	counts, _ := store.JobCounts()
	if len(counts) != 0 {
		t.Errorf("job counts = %v, want none", counts)
	}
}

func TestRecorder_MarksAcked(t *testing.T) {
	store := openTestStore(t)
	saveNotifications(t, store, "r1", "r2")

	r := NewRecorder(&mockAcker{}, store, nil)
	if _, err := r.Ack(context.Background(), []string{"r1"}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	unacked, _ := store.ListNotifications(storage.NotificationFilter{UnackedOnly: true})
	if len(unacked) != 1 || unacked[0].ID != "r2" {
		t.Errorf("unacked = %+v, want only r2", unacked)
	}

	failing := NewRecorder(&mockAcker{ackFn: func(ctx context.Context, ids []string) (notify.AckResponse, error) {
		return notify.AckResponse{}, errors.New("offline")
	}}, store, nil)
	if _, err := failing.Ack(context.Background(), []string{"r2"}); err == nil {
		t.Fatal("expected error from failing acker")
	}
	unacked, _ = store.ListNotifications(storage.NotificationFilter{UnackedOnly: true})
	if len(unacked) != 1 {
		t.Errorf("failed ack should not mark notifications, unacked = %d", len(unacked))
	}
}

var _ notify.RetryQueue = (*Queue)(nil)
var _ notify.Acker = (*Recorder)(nil)

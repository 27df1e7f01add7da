// Package ackworker persists acknowledgement batches that failed to send and
// redelivers them from the SQLite job queue.
package ackworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dohoonidot/aaa-client/internal/notify"
	"github.com/dohoonidot/aaa-client/internal/storage"
)

// JobType is the job queue type used for pending acknowledgement batches.
const JobType = "ack_batch"

// JobStore abstracts the job queue and notification bookkeeping.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	MarkNotificationsAcked(ids []string) (int, error)
}

type ackPayload struct {
	EventIDs []string `json:"event_ids"`
}

// Queue implements notify.RetryQueue on top of the job queue.
type Queue struct {
	store JobStore
}

func NewQueue(store JobStore) *Queue {
	return &Queue{store: store}
}

// Retry enqueues ids as one ack_batch job.
func (q *Queue) Retry(_ context.Context, ids []string, maxAttempts int) error {
	if len(ids) == 0 {
		return nil
	}
	payload, err := json.Marshal(ackPayload{EventIDs: ids})
	if err != nil {
		return fmt.Errorf("encoding ack payload: %w", err)
	}
	return q.store.EnqueueJob(storage.Job{
		ID:          uuid.NewString(),
		Type:        JobType,
		PayloadJSON: string(payload),
		MaxAttempts: maxAttempts,
	})
}

// Recorder wraps an Acker and flags acknowledged notifications in the store.
type Recorder struct {
	next   notify.Acker
	store  JobStore
	logger *slog.Logger
}

func NewRecorder(next notify.Acker, store JobStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{next: next, store: store, logger: logger}
}

// Ack implements notify.Acker.
func (r *Recorder) Ack(ctx context.Context, ids []string) (notify.AckResponse, error) {
	resp, err := r.next.Ack(ctx, ids)
	if err != nil {
		return resp, err
	}
	if _, err := r.store.MarkNotificationsAcked(ids); err != nil {
		// The server already has the ack; only local bookkeeping is stale.
		r.logger.Warn("recording acknowledgement failed", "count", len(ids), "error", err)
	}
	return resp, nil
}

// Worker processes ack_batch jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	acker  notify.Acker
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 2s.
func NewWorker(store JobStore, acker notify.Acker, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:  store,
		acker:  acker,
		poll:   pollInterval,
		logger: logger,
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("ack worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and sends a single ack_batch job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("ack job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

var errEmptyBatch = errors.New("ack job has no event ids")

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload ackPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if len(payload.EventIDs) == 0 {
		return errEmptyBatch
	}

	resp, err := w.acker.Ack(ctx, payload.EventIDs)
	if err != nil {
		return fmt.Errorf("acknowledging %d events: %w", len(payload.EventIDs), err)
	}
	if _, err := w.store.MarkNotificationsAcked(payload.EventIDs); err != nil {
		return fmt.Errorf("recording acknowledgement: %w", err)
	}
	w.logger.Debug("ack batch redelivered", "job_id", job.ID, "count", len(payload.EventIDs), "deleted", resp.Deleted)
	return nil
}

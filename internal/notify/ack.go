package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults for AckOptions.
const (
	DefaultAckBatchSize     = 10
	DefaultAckFlushInterval = 5 * time.Second
	DefaultAckMaxAttempts   = 5
	defaultAckTimeout       = 15 * time.Second
)

// AckResponse is the server's reply to an acknowledgement request.
type AckResponse struct {
	Deleted int    `json:"deleted"`
	Message string `json:"message,omitempty"`
}

// Acker sends one acknowledgement request for ids.
type Acker interface {
	Ack(ctx context.Context, ids []string) (AckResponse, error)
}

// RetryQueue accepts a failed batch for later redelivery, giving up after
// maxAttempts.
type RetryQueue interface {
	Retry(ctx context.Context, ids []string, maxAttempts int) error
}

// FailurePolicy selects what happens to a batch whose request failed.
type FailurePolicy int

const (
	// DropOnFailure logs the failure and treats the batch as consumed. The
	// server redelivers unacknowledged events and the Store absorbs the
	// duplicates.
	DropOnFailure FailurePolicy = iota
	// RetryWithCap hands the batch to a RetryQueue.
	RetryWithCap
)

// ParseFailurePolicy maps a config value to a policy. Unknown values select
// DropOnFailure.
func ParseFailurePolicy(s string) FailurePolicy {
	if s == "retry" {
		return RetryWithCap
	}
	return DropOnFailure
}

func (p FailurePolicy) String() string {
	if p == RetryWithCap {
		return "retry"
	}
	return "drop"
}

// AckOptions configures an AckBatcher. Zero fields take their defaults.
type AckOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	Policy        FailurePolicy
	MaxAttempts   int
	Retry         RetryQueue
	// Timeout bounds batches sent from Add or the timer.
	Timeout time.Duration
	Logger  *slog.Logger
}

// AckBatcher coalesces acknowledgements into size- or time-triggered batches.
type AckBatcher struct {
	acker Acker
	opts  AckOptions

	mu      sync.Mutex
	pending []string
	seen    map[string]struct{}
	timer   *time.Timer
	gen     uint64
	closed  bool

	inflight sync.WaitGroup
}

// NewAckBatcher creates a batcher that sends through acker.
func NewAckBatcher(acker Acker, opts AckOptions) *AckBatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultAckBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultAckFlushInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultAckMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultAckTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &AckBatcher{acker: acker, opts: opts, seen: make(map[string]struct{})}
}

// Add queues id. Reaching BatchSize sends the batch at once in the
// background; otherwise the first pending id starts the flush timer. Ids
// already pending and calls after Destroy are ignored.
func (b *AckBatcher) Add(id string) {
	b.mu.Lock()
	if b.closed || id == "" {
		b.mu.Unlock()
		return
	}
	if _, dup := b.seen[id]; dup {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, id)
	b.seen[id] = struct{}{}

	if len(b.pending) >= b.opts.BatchSize {
		batch := b.take()
		b.inflight.Add(1)
		b.mu.Unlock()
		go func() {
			defer b.inflight.Done()
			b.sendDetached(batch)
		}()
		return
	}

	if b.timer == nil {
		gen := b.gen
		b.inflight.Add(1)
		b.timer = time.AfterFunc(b.opts.FlushInterval, func() {
			defer b.inflight.Done()
			b.fire(gen)
		})
	}
	b.mu.Unlock()
}

// Flush sends everything pending now and returns the number of events the
// server deleted. Pending ids are cleared before the request is made and are
// not re-queued if it fails.
func (b *AckBatcher) Flush(ctx context.Context) (int, error) {
	b.mu.Lock()
	batch := b.take()
	b.mu.Unlock()
	return b.send(ctx, batch)
}

// Pending returns the number of queued ids.
func (b *AckBatcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Destroy stops the timer and discards pending ids without sending them.
func (b *AckBatcher) Destroy() {
	b.mu.Lock()
	b.closed = true
	b.stopTimer()
	b.gen++
	b.pending = nil
	b.seen = make(map[string]struct{})
	b.mu.Unlock()
}

// Wait blocks until background sends started by Add or the timer have
// finished. A timer that Destroy or Flush cancelled counts as finished.
func (b *AckBatcher) Wait() {
	b.inflight.Wait()
}

func (b *AckBatcher) fire(gen uint64) {
	b.mu.Lock()
	if b.closed || gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	batch := b.take()
	b.mu.Unlock()
	b.sendDetached(batch)
}

// take snapshots and clears the pending set. The caller holds b.mu.
func (b *AckBatcher) take() []string {
	b.stopTimer()
	b.gen++
	batch := b.pending
	b.pending = nil
	b.seen = make(map[string]struct{})
	return batch
}

// stopTimer cancels a scheduled flush. The caller holds b.mu.
func (b *AckBatcher) stopTimer() {
	if b.timer == nil {
		return
	}
	if b.timer.Stop() {
		// The callback will never run, so release its inflight slot here.
		b.inflight.Done()
	}
	b.timer = nil
}

func (b *AckBatcher) sendDetached(batch []string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
	defer cancel()
	_, _ = b.send(ctx, batch)
}

func (b *AckBatcher) send(ctx context.Context, batch []string) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	log := b.opts.Logger
	resp, err := b.acker.Ack(ctx, batch)
	if err != nil {
		log.Warn("ack batch failed", "count", len(batch), "policy", b.opts.Policy.String(), "error", err)
		if b.opts.Policy == RetryWithCap && b.opts.Retry != nil {
			if qerr := b.opts.Retry.Retry(ctx, batch, b.opts.MaxAttempts); qerr != nil {
				log.Error("queueing ack retry failed", "count", len(batch), "error", qerr)
			}
		}
		return 0, err
	}
	log.Debug("ack batch sent", "count", len(batch), "deleted", resp.Deleted)
	return resp.Deleted, nil
}

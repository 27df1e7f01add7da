// Package push provides the server-push transports behind notify.Channel and
// the HTTP acknowledgement client.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/dohoonidot/aaa-client/internal/notify"
)

// Backoff defaults.
const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMaxAttempts    = 10
)

// ErrGaveUp is returned by a transport that exhausted its reconnect attempts.
var ErrGaveUp = errors.New("push transport gave up reconnecting")

// Backoff is an exponential reconnect policy with jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// MaxAttempts is the number of consecutive failures tolerated. A
	// successful open resets the count. Zero means DefaultMaxAttempts and a
	// negative value retries forever.
	MaxAttempts int

	// jitter returns a value in [0,1). Swapped in tests.
	jitter func() float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultInitialBackoff
	}
	if b.Max <= 0 {
		b.Max = DefaultMaxBackoff
	}
	if b.MaxAttempts == 0 {
		b.MaxAttempts = DefaultMaxAttempts
	}
	if b.jitter == nil {
		b.jitter = rand.Float64
	}
	return b
}

// Delay returns the wait before retry number attempt (0-based): half the
// exponential step plus a random share of the other half, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	d := float64(b.Initial) * math.Pow(2, float64(attempt))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	half := d / 2
	return time.Duration(half + half*b.jitter())
}

// permanentError marks a failure that retrying cannot fix, such as a
// rejected session.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsTerminal reports whether err means the transport stopped for good: it
// gave up reconnecting or hit a failure retrying cannot fix.
func IsTerminal(err error) bool {
	var perm *permanentError
	return errors.Is(err, ErrGaveUp) || errors.As(err, &perm)
}

func statusError(resp *http.Response) error {
	err := fmt.Errorf("unexpected status %d", resp.StatusCode)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return &permanentError{err: err}
	}
	return err
}

// connectFunc runs one connection until it ends. opened reports whether the
// stream was established; retry is a server-suggested reconnect delay.
type connectFunc func(ctx context.Context) (opened bool, retry time.Duration, err error)

// runWithRetry drives connect until ctx is done, a permanent error occurs, or
// MaxAttempts consecutive failures have been reported to h.
func runWithRetry(ctx context.Context, b Backoff, h notify.Handler, logger *slog.Logger, connect connectFunc) error {
	b = b.withDefaults()
	failures := 0
	for {
		opened, hint, err := connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = notify.ErrClosed
		}
		h.OnError(err)

		var perm *permanentError
		if errors.As(err, &perm) {
			return err
		}
		if opened {
			failures = 0
		}
		failures++
		if b.MaxAttempts > 0 && failures >= b.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, failures, err)
		}

		delay := b.Delay(failures - 1)
		if hint > 0 {
			delay = hint
		}
		logger.Info("push transport reconnecting", "attempt", failures, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func setSession(req *http.Request, sessionID string) {
	if sessionID == "" {
		return
	}
	req.Header.Set("X-Session-Id", sessionID)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: sessionID})
}

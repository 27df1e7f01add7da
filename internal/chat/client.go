// Package chat sends messages to the chat backend and segments the streamed
// reply.
package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dohoonidot/aaa-client/internal/stream"
)

const (
	streamingTimeout = 300 * time.Second
	maxRetries       = 3
	initialBackoff   = 500 * time.Millisecond
)

// StatusError is returned when the server answers with an error status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the chat streaming endpoints.
type Client struct {
	baseURL    string
	sessionID  string
	httpClient *http.Client
	segmenter  *stream.Segmenter
	logger     *slog.Logger
}

// NewClient creates a chat client. A nil segmenter uses the default trigger
// allow-list.
func NewClient(baseURL, sessionID string, seg *stream.Segmenter, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if seg == nil {
		seg = stream.NewSegmenter(nil, logger)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		sessionID:  sessionID,
		httpClient: &http.Client{},
		segmenter:  seg,
		logger:     logger,
	}
}

// Send posts req and processes the streamed reply through sinks, returning
// the final display text. Text already delivered to sinks is kept if the
// stream fails part way.
func (c *Client) Send(ctx context.Context, req Request, sinks stream.Sinks) (string, error) {
	rc, err := c.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return c.segmenter.Process(ctx, rc, sinks)
}

// Stream posts req and returns the raw reply body decoded to UTF-8. The
// caller must close it. Rate-limited requests are retried with exponential
// backoff.
func (c *Client) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	path, form := req.fields()
	body, contentType, err := encodeForm(form)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		rc, err := c.doStream(ctx, path, body, contentType)
		if err == nil {
			return rc, nil
		}

		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			c.logger.Debug("chat rate limited, backing off", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func isRateLimit(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests
}

func (c *Client) doStream(ctx context.Context, path string, body []byte, contentType string) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, streamingTimeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Request-Id", uuid.NewString())
	if c.sessionID != "" {
		httpReq.Header.Set("X-Session-Id", c.sessionID)
		httpReq.AddCookie(&http.Cookie{Name: "session_id", Value: c.sessionID})
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	decoded, err := stream.DecodeReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	// Closing the body also releases the request context.
	return &cancelOnClose{Reader: decoded, closer: resp.Body, cancel: cancel}, nil
}

// cancelOnClose reads from a (possibly decoding) reader and cancels a
// context when closed.
type cancelOnClose struct {
	io.Reader
	closer io.Closer
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.closer.Close()
	c.cancel()
	return err
}

func encodeForm(fields map[string]string) ([]byte, string, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, k := range keys {
		if err := w.WriteField(k, fields[k]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

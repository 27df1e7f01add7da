package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dohoonidot/aaa-client/internal/notify"
)

const ackTimeout = 15 * time.Second

// HTTPAcker posts acknowledgements to the server. It implements
// notify.Acker.
type HTTPAcker struct {
	url        string
	sessionID  string
	httpClient *http.Client
}

// NewHTTPAcker creates an acker for baseURL+path.
func NewHTTPAcker(baseURL, path, sessionID string) *HTTPAcker {
	return &HTTPAcker{
		url:        strings.TrimRight(baseURL, "/") + path,
		sessionID:  sessionID,
		httpClient: &http.Client{Timeout: ackTimeout},
	}
}

type ackSingle struct {
	EventID string `json:"event_id"`
}

type ackBatch struct {
	EventIDs []string `json:"event_ids"`
}

// Ack sends ids as one request: {"event_id"} for a single id and
// {"event_ids"} otherwise.
func (a *HTTPAcker) Ack(ctx context.Context, ids []string) (notify.AckResponse, error) {
	if len(ids) == 0 {
		return notify.AckResponse{Message: "No event IDs to acknowledge"}, nil
	}

	var payload any = ackBatch{EventIDs: ids}
	if len(ids) == 1 {
		payload = ackSingle{EventID: ids[0]}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return notify.AckResponse{}, fmt.Errorf("marshaling ack: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return notify.AckResponse{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setSession(req, a.sessionID)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return notify.AckResponse{}, fmt.Errorf("sending ack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return notify.AckResponse{}, fmt.Errorf("ack rejected (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out notify.AckResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return notify.AckResponse{}, fmt.Errorf("decoding ack response: %w", err)
	}
	return out, nil
}

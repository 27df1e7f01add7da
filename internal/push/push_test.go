package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recHandler struct {
	mu     sync.Mutex
	opens  int
	events []string
	errs   []error
	got    chan string
}

func newRecHandler() *recHandler {
	return &recHandler{got: make(chan string, 16)}
}

func (h *recHandler) OnOpen() {
	h.mu.Lock()
	h.opens++
	h.mu.Unlock()
}

func (h *recHandler) OnEvent(name, data string) {
	h.mu.Lock()
	h.events = append(h.events, name+"="+data)
	h.mu.Unlock()
	h.got <- name
}

func (h *recHandler) OnError(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *recHandler) wait(t *testing.T) string {
	t.Helper()
	select {
	case name := <-h.got:
		return name
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func fastBackoff(attempts int) Backoff {
	return Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: attempts}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, jitter: func() float64 { return 0 }}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 50 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{5, 500 * time.Millisecond}, // capped at Max, halved
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	b.jitter = func() float64 { return 0.999999 }
	if got := b.Delay(0); got < 99*time.Millisecond || got > 100*time.Millisecond {
		t.Errorf("Delay(0) with full jitter = %v, want about 100ms", got)
	}
}

func TestEventParser(t *testing.T) {
	var p eventParser
	lines := []string{
		": heartbeat",
		"event: leave_alert",
		"id: 7",
		"data: {\"a\":",
		"data: 1}",
		"",
		"retry: 2500",
		"data:plain",
		"",
		"",
	}
	var evs []sseEvent
	for _, l := range lines {
		if ev, ok := p.feed(l); ok {
			evs = append(evs, ev)
		}
	}
	if len(evs) != 2 {
		t.Fatalf("events = %+v, want 2", evs)
	}
	if evs[0].name != "leave_alert" || evs[0].data != "{\"a\":\n1}" || evs[0].id != "7" {
		t.Errorf("first event = %+v", evs[0])
	}
	if evs[1].name != "message" || evs[1].data != "plain" {
		t.Errorf("second event = %+v", evs[1])
	}
	if p.retry != 2500*time.Millisecond {
		t.Errorf("retry = %v, want 2.5s", p.retry)
	}
}

func TestSSETransport_EventsAndReconnect(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []*http.Request
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.Clone(context.Background()))
		n := len(requests)
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "event: leave_alert\nid: ev-%d\ndata: {\"event_id\":\"ev-%d\"}\n\n", n, n)
		w.(http.Flusher).Flush()
		// Returning ends the stream and forces a reconnect.
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := NewSSETransport(srv.URL, "/sse/notifications", "sess-1", fastBackoff(-1), nil)
	h := newRecHandler()
	done := make(chan error, 1)
	go func() { done <- tr.Open(ctx, h) }()

	h.wait(t)
	h.wait(t)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Open returned %v, want context.Canceled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	first := requests[0]
	if first.URL.Query().Get("session_id") != "sess-1" {
		t.Errorf("session_id query = %q", first.URL.Query().Get("session_id"))
	}
	if first.Header.Get("X-Session-Id") != "sess-1" {
		t.Errorf("X-Session-Id = %q", first.Header.Get("X-Session-Id"))
	}
	if first.Header.Get("Accept") != "text/event-stream" {
		t.Errorf("Accept = %q", first.Header.Get("Accept"))
	}
	if got := requests[1].Header.Get("Last-Event-ID"); got != "ev-1" {
		t.Errorf("Last-Event-ID on reconnect = %q, want ev-1", got)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.opens < 2 {
		t.Errorf("opens = %d, want >= 2", h.opens)
	}
	if len(h.errs) == 0 {
		t.Error("stream end was not reported as an error")
	}
}

func TestSSETransport_PermanentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	h := newRecHandler()
	err := NewSSETransport(srv.URL, "/sse", "", fastBackoff(-1), nil).Open(context.Background(), h)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("Open = %v, want 401 error", err)
	}
	if h.opens != 0 || len(h.errs) != 1 {
		t.Errorf("opens=%d errs=%d, want 0 and 1", h.opens, len(h.errs))
	}
	if !IsTerminal(err) {
		t.Errorf("IsTerminal(%v) = false, want true", err)
	}
}

func TestSSETransport_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newRecHandler()
	err := NewSSETransport(srv.URL, "/sse", "", fastBackoff(3), nil).Open(context.Background(), h)
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("Open = %v, want ErrGaveUp", err)
	}
	if len(h.errs) != 3 {
		t.Errorf("errors reported = %d, want 3", len(h.errs))
	}
}

func TestWebSocketTransport(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	sessions := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions <- r.Header.Get("X-Session-Id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"alert","data":{"event_id":"w1"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"birthday","event_id":"w2"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := NewWebSocketTransport(srv.URL, "/ws", "sess-9", fastBackoff(-1), nil)
	h := newRecHandler()
	done := make(chan error, 1)
	go func() { done <- tr.Open(ctx, h) }()

	if got := h.wait(t); got != "alert" {
		t.Errorf("first event = %q, want alert", got)
	}
	if got := h.wait(t); got != "birthday" {
		t.Errorf("second event = %q, want birthday", got)
	}
	if got := <-sessions; got != "sess-9" {
		t.Errorf("X-Session-Id = %q, want sess-9", got)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not return after cancel")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.events[0] != `alert={"event_id":"w1"}` {
		t.Errorf("event data = %q", h.events[0])
	}
}

func TestHTTPAcker(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sse/notifications/ack" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Session-Id") != "s" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		var m map[string]any
		json.Unmarshal(raw, &m)
		bodies = append(bodies, m)
		fmt.Fprint(w, `{"deleted":2,"message":"ok"}`)
	}))
	defer srv.Close()

	a := NewHTTPAcker(srv.URL, "/sse/notifications/ack", "s")

	if _, err := a.Ack(context.Background(), []string{"one"}); err != nil {
		t.Fatalf("single Ack: %v", err)
	}
	resp, err := a.Ack(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("batch Ack: %v", err)
	}
	if resp.Deleted != 2 || resp.Message != "ok" {
		t.Errorf("resp = %+v", resp)
	}

	if bodies[0]["event_id"] != "one" {
		t.Errorf("single body = %v", bodies[0])
	}
	if ids, ok := bodies[1]["event_ids"].([]any); !ok || len(ids) != 2 {
		t.Errorf("batch body = %v", bodies[1])
	}

	empty, err := a.Ack(context.Background(), nil)
	if err != nil || empty.Deleted != 0 || len(bodies) != 2 {
		t.Errorf("empty Ack = %+v, %v (requests=%d)", empty, err, len(bodies))
	}

	bad := NewHTTPAcker(srv.URL, "/sse/notifications/ack", "wrong")
	if _, err := bad.Ack(context.Background(), []string{"x"}); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Ack with bad session = %v, want 401 error", err)
	}
}

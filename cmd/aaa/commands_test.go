package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dohoonidot/aaa-client/internal/api"
	"github.com/dohoonidot/aaa-client/internal/chat"
	"github.com/dohoonidot/aaa-client/internal/config"
	"github.com/dohoonidot/aaa-client/internal/notify"
	"github.com/dohoonidot/aaa-client/internal/push"
	"github.com/dohoonidot/aaa-client/internal/storage"
	"github.com/dohoonidot/aaa-client/internal/stream"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"notification not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestNotificationsList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/notifications": `{"notifications":[{"id":"ev-1","type":"leave_alert","title":"Leave notice","message":"Approved","received_at":"2024-05-01T09:00:00Z","read":false}],"unread":1}`,
	})

	resp, err := ts.client().get(ctx, "/v1/notifications?unread=true")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var list api.NotificationList
	if err := decodeJSON(resp, &list); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(list.Notifications) != 1 || list.Unread != 1 {
		t.Fatalf("list = %+v, want 1 notification and 1 unread", list)
	}
	if list.Notifications[0].Title != "Leave notice" {
		t.Errorf("title = %q, want %q", list.Notifications[0].Title, "Leave notice")
	}

	r := ts.requests[0]
	if r.Path != "/v1/notifications?unread=true" {
		t.Errorf("path = %q, want /v1/notifications?unread=true", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestNotificationsAck_Body(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/notifications/ack": `{"queued":2,"pending":2}`,
	})

	resp, err := ts.client().post(ctx, "/v1/notifications/ack", api.AckRequest{EventIDs: []string{"ev-1", "ev-2"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result map[string]int
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["queued"] != 2 {
		t.Errorf("queued = %d, want 2", result["queued"])
	}

	var body map[string][]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if got := strings.Join(body["event_ids"], ","); got != "ev-1,ev-2" {
		t.Errorf("event_ids = %q, want ev-1,ev-2", got)
	}
}

func TestNotificationsAck_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"notifications", "ack"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing ids")
	}
	if !strings.Contains(err.Error(), "requires at least 1 arg") {
		t.Errorf("error = %q, want an argument count error", err.Error())
	}
}

func TestStatus_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	resp, err := ts.client().get(ctx, "/v1/notifications/missing")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	err = decodeJSON(resp, &struct{}{})
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if err.Error() != "server returned 404: notification not found" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestDecodeJSON_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}
	resp, err := c.delete(ctx, "/v1/notifications/ev-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v map[string]any
	if err := decodeJSON(resp, &v); err != nil {
		t.Errorf("decodeJSON(204) = %v, want nil", err)
	}
}

func TestAPIErrorMessage(t *testing.T) {
	tests := map[string]string{
		`{"error":{"message":"bad","type":"x"}}`: "bad",
		"plain text\n":                           "plain text",
		`{"other":1}`:                            `{"other":1}`,
	}
	for in, want := range tests {
		if got := apiErrorMessage([]byte(in)); got != want {
			t.Errorf("apiErrorMessage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.Session.ID = "secret"

	found := false
	for _, k := range config.ShowAll(cfg) {
		if k.Key == "server.port" && k.Value == "4100" {
			found = true
		}
		if strings.Contains(k.Value, "secret") {
			t.Errorf("%s shows the session id", k.Key)
		}
	}
	if !found {
		t.Error("expected to find server.port=4100 in ShowAll output")
	}
}

const leaveStream = `data: {"user_id":"u1","start_date":"2024-01-01","end_date":"2024-01-02","leave_type":"annual"}Here is your leave draft.` + "\n"

func newChatBackend(t *testing.T, body string) *chat.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return chat.NewClient(srv.URL, "sess", nil, discard)
}

func TestRunChat(t *testing.T) {
	client := newChatBackend(t, leaveStream)

	var out bytes.Buffer
	if err := runChat(ctx, client, chat.Request{Message: "day off"}, &out); err != nil {
		t.Fatalf("runChat: %v", err)
	}
	if out.String() != "Here is your leave draft.\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunChatJSON(t *testing.T) {
	client := newChatBackend(t, leaveStream)
	seg := stream.NewSegmenter(nil, discard)

	var out bytes.Buffer
	if err := runChatJSON(ctx, client, seg, chat.Request{}, &out); err != nil {
		t.Fatalf("runChatJSON: %v", err)
	}

	var res chatResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if res.FinalText != "Here is your leave draft." {
		t.Errorf("final_text = %q", res.FinalText)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(res.Segments))
	}
	if res.Segments[0].Kind != stream.SegmentTrigger || res.Segments[0].Leave == nil {
		t.Errorf("segments[0] = %+v, want leave trigger", res.Segments[0])
	}
	if res.Segments[0].Leave.LeaveType != "annual" {
		t.Errorf("leave_type = %q, want annual", res.Segments[0].Leave.LeaveType)
	}
}

func TestChatError(t *testing.T) {
	err := chatError(&chat.StatusError{StatusCode: http.StatusUnauthorized, Body: "expired"})
	if err == nil || !strings.Contains(err.Error(), "session login") {
		t.Errorf("chatError(401) = %v, want login hint", err)
	}
	if err := chatError(context.Canceled); err != nil {
		t.Errorf("chatError(Canceled) = %v, want nil", err)
	}
	other := errors.New("boom")
	if err := chatError(other); err != other {
		t.Errorf("chatError(other) = %v, want it unchanged", err)
	}
}

// scriptTransport opens once, delivers its events, then blocks until the
// session ends. A non-nil err is returned immediately instead.
type scriptTransport struct {
	events    []string
	err       error
	delivered chan struct{}
}

func (s *scriptTransport) Open(ctx context.Context, h notify.Handler) error {
	if s.err != nil {
		return s.err
	}
	h.OnOpen()
	for _, e := range s.events {
		h.OnEvent(notify.EventLeaveAlert, e)
	}
	close(s.delivered)
	<-ctx.Done()
	return ctx.Err()
}

type mockAcker struct {
	mu    sync.Mutex
	calls [][]string
}

func (m *mockAcker) Ack(_ context.Context, ids []string) (notify.AckResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]string(nil), ids...))
	return notify.AckResponse{Deleted: len(ids)}, nil
}

func (m *mockAcker) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.calls...)
}

const envelope1 = `{"event":"leave_alert","user_id":"u1","queue_name":"q","payload":{"status":"APPROVED"},"sent_at":"2024-05-01T09:00:00Z","event_id":"ev-1"}`

func TestListen_PrintsAndAcks(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	tr := &scriptTransport{events: []string{envelope1, envelope1}, delivered: make(chan struct{})}
	acker := &mockAcker{}

	lctx, cancel := context.WithCancel(ctx)
	go func() {
		<-tr.delivered
		cancel()
	}()

	var out bytes.Buffer
	err := listen(lctx, tr, acker, listenOptions{Logger: discard, Ack: notify.AckOptions{Logger: discard}}, &out)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	if n := strings.Count(out.String(), "ev-1"); n != 1 {
		t.Errorf("printed ev-1 %d times, want 1 (duplicates are dropped):\n%s", n, out.String())
	}
	calls := acker.Calls()
	if len(calls) != 1 || len(calls[0]) != 1 || calls[0][0] != "ev-1" {
		t.Errorf("ack calls = %v, want [[ev-1]]", calls)
	}
}

func TestListen_StopsWhenTransportGivesUp(t *testing.T) {
	tr := &scriptTransport{err: fmt.Errorf("%w after 3 attempts", push.ErrGaveUp)}

	done := make(chan error, 1)
	go func() {
		done <- listen(ctx, tr, nil, listenOptions{Logger: discard}, io.Discard)
	}()

	select {
	case err := <-done:
		if !errors.Is(err, push.ErrGaveUp) {
			t.Errorf("listen = %v, want ErrGaveUp", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not return after the transport gave up")
	}
}

func newTestApp(t *testing.T, db *storage.Store, acker notify.Acker) *app {
	t.Helper()
	a, err := newApp(config.Config{}, db, &scriptTransport{delivered: make(chan struct{})}, acker, discard)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { a.shutdown(ctx) })
	return a
}

func openTestDB(t *testing.T) *storage.Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustEnvelope(t *testing.T, data string) notify.Envelope {
	t.Helper()
	env, err := notify.ParseEnvelope([]byte(data))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	return env
}

func TestApp_PersistsAndAcksConsumed(t *testing.T) {
	db := openTestDB(t)
	acker := &mockAcker{}
	a := newTestApp(t, db, acker)

	a.receive(mustEnvelope(t, envelope1))

	n, err := db.GetNotification("ev-1")
	if err != nil {
		t.Fatalf("GetNotification: %v", err)
	}
	if n.Read || n.Type != notify.EventLeaveAlert {
		t.Errorf("stored = %+v, want unread leave_alert", n)
	}
	if !strings.Contains(n.PayloadJSON, "APPROVED") {
		t.Errorf("payload_json = %q", n.PayloadJSON)
	}

	a.store.MarkRead("ev-1")
	if n, _ := db.GetNotification("ev-1"); !n.Read {
		t.Error("read state was not persisted")
	}
	if a.acks.Pending() != 1 {
		t.Errorf("pending acks = %d, want 1", a.acks.Pending())
	}

	if _, err := a.acks.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n, _ := db.GetNotification("ev-1"); !n.Acked {
		t.Error("acknowledged notification not flagged acked")
	}

	a.store.Remove("ev-1")
	if _, err := db.GetNotification("ev-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("after Remove, GetNotification err = %v, want ErrNotFound", err)
	}
}

func TestApp_ClearAcksEverything(t *testing.T) {
	db := openTestDB(t)
	a := newTestApp(t, db, &mockAcker{})

	a.receive(mustEnvelope(t, envelope1))
	a.receive(mustEnvelope(t, strings.Replace(envelope1, "ev-1", "ev-2", 1)))
	a.store.Clear()

	if a.acks.Pending() != 2 {
		t.Errorf("pending acks = %d, want 2", a.acks.Pending())
	}
	rows, err := db.ListNotifications(storage.NotificationFilter{})
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("history rows = %d, want 0", len(rows))
	}
}

func TestApp_RestoresNewestFirst(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new"} {
		_, err := db.SaveNotification(storage.Notification{
			ID: id, Type: notify.EventAlert, Title: "Notice", Message: id,
			PayloadJSON: `{"message":"` + id + `"}`,
			Read:        id == "old",
			ReceivedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveNotification: %v", err)
		}
	}

	a := newTestApp(t, db, &mockAcker{})

	list := a.store.List()
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Fatalf("restored = %v, want [new old]", list)
	}
	if a.store.UnreadCount() != 1 {
		t.Errorf("unread = %d, want 1", a.store.UnreadCount())
	}
	if p, ok := list[0].Payload.(map[string]any); !ok || p["message"] != "new" {
		t.Errorf("payload = %#v", list[0].Payload)
	}
	if a.acks.Pending() != 0 {
		t.Errorf("restoring queued %d acks, want 0", a.acks.Pending())
	}
}

func TestChannelControl_UsesServerContext(t *testing.T) {
	tr := &scriptTransport{delivered: make(chan struct{})}
	ch := notify.NewChannel(tr, notify.ChannelOptions{Logger: discard})

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	control := channelControl{ctx: sctx, channel: ch}

	control.SetEnabled(true)
	select {
	case <-tr.delivered:
	case <-time.After(time.Second):
		t.Fatal("transport was not opened")
	}
	if !control.Enabled() || control.State() != notify.StateConnected {
		t.Errorf("enabled=%v state=%s, want true CONNECTED", control.Enabled(), control.State())
	}

	control.SetEnabled(false)
	if control.State() != notify.StateDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", control.State())
	}
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		l := newLogger(tt.level, io.Discard)
		if !l.Enabled(ctx, tt.want) {
			t.Errorf("newLogger(%q) disables %s", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && l.Enabled(ctx, tt.want-4) {
			t.Errorf("newLogger(%q) enables %s", tt.level, tt.want-4)
		}
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d", pid)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still present after removePIDFile")
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("ev-1"); got != "ev-1" {
		t.Errorf("shortID = %q", got)
	}
}

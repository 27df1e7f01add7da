package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dohoonidot/aaa-client/internal/notify"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 1 << 20
)

// frame is one push message on the websocket. Servers that send the bare
// envelope instead are handled too.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WebSocketTransport receives push events over a websocket and reconnects
// with Backoff when the connection drops.
type WebSocketTransport struct {
	url       string
	sessionID string
	dialer    *websocket.Dialer
	backoff   Backoff
	logger    *slog.Logger

	pongWait   time.Duration
	pingPeriod time.Duration
}

// NewWebSocketTransport creates a transport for baseURL+path. An http(s)
// base URL is mapped to ws(s).
func NewWebSocketTransport(baseURL, path, sessionID string, b Backoff, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		url:        strings.TrimRight(baseURL, "/") + path,
		sessionID:  sessionID,
		dialer:     websocket.DefaultDialer,
		backoff:    b,
		logger:     logger,
		pongWait:   wsPongWait,
		pingPeriod: wsPingPeriod,
	}
}

// Open implements notify.Transport.
func (t *WebSocketTransport) Open(ctx context.Context, h notify.Handler) error {
	return runWithRetry(ctx, t.backoff, h, t.logger, func(ctx context.Context) (bool, time.Duration, error) {
		return t.connect(ctx, h)
	})
}

func (t *WebSocketTransport) endpoint() (string, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return "", fmt.Errorf("parsing push url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if t.sessionID != "" {
		q := u.Query()
		q.Set("session_id", t.sessionID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (t *WebSocketTransport) connect(ctx context.Context, h notify.Handler) (bool, time.Duration, error) {
	endpoint, err := t.endpoint()
	if err != nil {
		return false, 0, &permanentError{err: err}
	}
	header := http.Header{}
	if t.sessionID != "" {
		header.Set("X-Session-Id", t.sessionID)
		header.Set("Cookie", (&http.Cookie{Name: "session_id", Value: t.sessionID}).String())
	}

	conn, resp, err := t.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return false, 0, statusError(resp)
		}
		return false, 0, fmt.Errorf("dialing: %w", err)
	}
	defer conn.Close()
	h.OnOpen()

	done := make(chan struct{})
	defer close(done)
	go t.keepalive(ctx, conn, done)

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(t.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.pongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, 0, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, 0, nil
			}
			return true, 0, fmt.Errorf("reading: %w", err)
		}
		name, data, ok := decodeFrame(msg)
		if !ok {
			t.logger.Warn("dropping malformed push frame", "size", len(msg))
			continue
		}
		h.OnEvent(name, data)
	}
}

// keepalive pings the server and closes conn when ctx is cancelled so that
// the blocked reader returns.
func (t *WebSocketTransport) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(t.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			conn.Close()
			return
		case <-done:
			return
		}
	}
}

func decodeFrame(msg []byte) (name, data string, ok bool) {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return "", "", false
	}
	if len(f.Data) > 0 {
		switch f.Data[0] {
		case '{':
			return f.Event, string(f.Data), f.Event != ""
		case '"':
			var s string
			if err := json.Unmarshal(f.Data, &s); err != nil {
				return "", "", false
			}
			return f.Event, s, f.Event != ""
		}
	}
	// Bare envelope: its own event field names it.
	if f.Event != "" {
		return f.Event, string(msg), true
	}
	return "", "", false
}

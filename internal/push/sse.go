package push

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dohoonidot/aaa-client/internal/notify"
)

const maxSSELine = 1 << 20

// SSETransport reads named events from a text/event-stream endpoint and
// reconnects with Backoff when the stream drops.
type SSETransport struct {
	url        string
	sessionID  string
	httpClient *http.Client
	backoff    Backoff
	logger     *slog.Logger

	mu          sync.Mutex
	lastEventID string
}

// NewSSETransport creates a transport for baseURL+path. The session id is
// sent as a query parameter, a header and a cookie.
func NewSSETransport(baseURL, path, sessionID string, b Backoff, logger *slog.Logger) *SSETransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSETransport{
		url:        strings.TrimRight(baseURL, "/") + path,
		sessionID:  sessionID,
		httpClient: &http.Client{},
		backoff:    b,
		logger:     logger,
	}
}

// Open implements notify.Transport.
func (t *SSETransport) Open(ctx context.Context, h notify.Handler) error {
	return runWithRetry(ctx, t.backoff, h, t.logger, func(ctx context.Context) (bool, time.Duration, error) {
		return t.connect(ctx, h)
	})
}

// LastEventID returns the id of the most recent event seen.
func (t *SSETransport) LastEventID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEventID
}

func (t *SSETransport) endpoint() (string, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return "", fmt.Errorf("parsing push url: %w", err)
	}
	if t.sessionID != "" {
		q := u.Query()
		q.Set("session_id", t.sessionID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (t *SSETransport) connect(ctx context.Context, h notify.Handler) (bool, time.Duration, error) {
	endpoint, err := t.endpoint()
	if err != nil {
		return false, 0, &permanentError{err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, 0, &permanentError{err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	setSession(req, t.sessionID)
	if id := t.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return false, 0, fmt.Errorf("connecting: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, 0, statusError(resp)
	}
	h.OnOpen()

	var p eventParser
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	for sc.Scan() {
		ev, ok := p.feed(sc.Text())
		if !ok {
			continue
		}
		if ev.id != "" {
			t.mu.Lock()
			t.lastEventID = ev.id
			t.mu.Unlock()
		}
		h.OnEvent(ev.name, ev.data)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return true, p.retry, fmt.Errorf("reading stream: %w", err)
	}
	return true, p.retry, nil
}

type sseEvent struct {
	name string
	data string
	id   string
}

// eventParser accumulates event-stream fields until a blank line dispatches
// the event.
type eventParser struct {
	name    string
	data    []string
	id      string
	hasData bool
	retry   time.Duration
}

func (p *eventParser) feed(line string) (sseEvent, bool) {
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		if !p.hasData {
			p.name = ""
			return sseEvent{}, false
		}
		ev := sseEvent{name: p.name, data: strings.Join(p.data, "\n"), id: p.id}
		if ev.name == "" {
			ev.name = "message"
		}
		p.name, p.data, p.hasData = "", nil, false
		return ev, true
	}
	if strings.HasPrefix(line, ":") {
		return sseEvent{}, false
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch field {
	case "event":
		p.name = value
	case "data":
		p.data = append(p.data, value)
		p.hasData = true
	case "id":
		if !strings.ContainsRune(value, 0) {
			p.id = value
		}
	case "retry":
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			p.retry = time.Duration(ms) * time.Millisecond
		}
	}
	return sseEvent{}, false
}

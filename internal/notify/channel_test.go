package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport hands each session's handler and context to the test and
// blocks until the session is cancelled.
type fakeTransport struct {
	sessions chan fakeSession
}

type fakeSession struct {
	ctx context.Context
	h   Handler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sessions: make(chan fakeSession, 4)}
}

func (f *fakeTransport) Open(ctx context.Context, h Handler) error {
	f.sessions <- fakeSession{ctx: ctx, h: h}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) next(t *testing.T) fakeSession {
	t.Helper()
	select {
	case s := <-f.sessions:
		return s
	case <-time.After(time.Second):
		t.Fatal("transport was not opened")
		return fakeSession{}
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) get() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

const leaveEnvelope = `{"event":"leave_alert","user_id":"u1","queue_name":"q","payload":{"status":"APPROVED"},"sent_at":"2024-05-01T09:00:00Z","event_id":"ev-1"}`

func TestChannel_Lifecycle(t *testing.T) {
	ft := newFakeTransport()
	var log stateLog
	var errs []error
	ch := NewChannel(ft, ChannelOptions{
		OnStateChange: log.record,
		OnError:       func(err error) { errs = append(errs, err) },
	})

	var got []Envelope
	ch.Subscribe(func(e Envelope) { got = append(got, e) })

	ch.Connect(context.Background())
	if ch.State() != StateConnecting {
		t.Fatalf("State() = %s, want CONNECTING", ch.State())
	}
	s := ft.next(t)

	s.h.OnOpen()
	if ch.State() != StateConnected {
		t.Fatalf("after open, State() = %s, want CONNECTED", ch.State())
	}

	s.h.OnEvent(EventLeaveAlert, leaveEnvelope)
	s.h.OnEvent("message", leaveEnvelope)
	s.h.OnEvent(EventAlert, "{broken")
	if len(got) != 1 || got[0].EventID != "ev-1" {
		t.Fatalf("delivered = %+v, want one ev-1", got)
	}

	// Errors do not disconnect, and the transport's own retry goes straight
	// back to CONNECTED.
	s.h.OnError(errors.New("stream reset"))
	if ch.State() != StateError {
		t.Fatalf("after error, State() = %s, want ERROR", ch.State())
	}
	if len(errs) != 1 {
		t.Errorf("OnError calls = %d, want 1", len(errs))
	}
	if s.ctx.Err() != nil {
		t.Error("error cancelled the transport session")
	}
	s.h.OnOpen()
	if ch.State() != StateConnected {
		t.Fatalf("after recovery, State() = %s, want CONNECTED", ch.State())
	}

	ch.Disconnect()
	if ch.State() != StateDisconnected {
		t.Fatalf("State() = %s, want DISCONNECTED", ch.State())
	}
	if s.ctx.Err() == nil {
		t.Error("Disconnect did not cancel the transport session")
	}

	// Stale callbacks are ignored.
	s.h.OnEvent(EventLeaveAlert, leaveEnvelope)
	s.h.OnOpen()
	if len(got) != 1 || ch.State() != StateDisconnected {
		t.Errorf("stale session affected channel: delivered=%d state=%s", len(got), ch.State())
	}

	before := len(log.get())
	ch.Disconnect()
	if len(log.get()) != before {
		t.Error("second Disconnect emitted a state change")
	}

	want := []State{StateConnecting, StateConnected, StateError, StateConnected, StateDisconnected}
	if got := log.get(); len(got) != len(want) {
		t.Errorf("states = %v, want %v", got, want)
	} else {
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("states = %v, want %v", got, want)
				break
			}
		}
	}
}

func TestChannel_ConnectReplacesSession(t *testing.T) {
	ft := newFakeTransport()
	ch := NewChannel(ft, ChannelOptions{})
	var got []Envelope
	ch.Subscribe(func(e Envelope) { got = append(got, e) })

	ch.Connect(context.Background())
	first := ft.next(t)
	first.h.OnOpen()

	ch.Connect(context.Background())
	second := ft.next(t)

	if first.ctx.Err() == nil {
		t.Error("first session still open after reconnect")
	}
	first.h.OnEvent(EventLeaveAlert, leaveEnvelope)
	if len(got) != 0 {
		t.Error("event from superseded session was delivered")
	}
	second.h.OnEvent(EventLeaveAlert, leaveEnvelope)
	if len(got) != 1 {
		t.Errorf("delivered = %d, want 1", len(got))
	}
	ch.Disconnect()
}

func TestChannel_SetEnabled(t *testing.T) {
	ft := newFakeTransport()
	ch := NewChannel(ft, ChannelOptions{})

	ch.SetEnabled(context.Background(), true)
	s := ft.next(t)
	if !ch.Enabled() {
		t.Error("Enabled() = false after enabling")
	}

	ch.SetEnabled(context.Background(), false)
	if ch.State() != StateDisconnected {
		t.Errorf("State() = %s, want DISCONNECTED", ch.State())
	}
	if s.ctx.Err() == nil {
		t.Error("disable did not cancel the session")
	}
}

// giveUpTransport fails immediately as if its retry budget ran out.
type giveUpTransport struct{ err error }

func (g giveUpTransport) Open(context.Context, Handler) error { return g.err }

func TestChannel_TransportGivesUp(t *testing.T) {
	done := make(chan error, 1)
	ch := NewChannel(giveUpTransport{err: errors.New("max attempts reached")}, ChannelOptions{
		OnError: func(err error) { done <- err },
	})
	ch.Connect(context.Background())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnError was not called")
	}
	if ch.State() != StateError {
		t.Errorf("State() = %s, want ERROR", ch.State())
	}
	ch.Disconnect()
	if ch.State() != StateDisconnected {
		t.Errorf("State() = %s, want DISCONNECTED", ch.State())
	}
}

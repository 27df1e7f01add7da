package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// State is the connection state of a Channel.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateError        State = "ERROR"
)

// ErrClosed is reported when a transport stops without being asked to.
var ErrClosed = errors.New("push transport closed")

// Handler receives transport callbacks for one session.
type Handler interface {
	// OnOpen is called every time the transport (re)establishes its stream.
	OnOpen()
	// OnEvent is called for each named push event.
	OnEvent(name, data string)
	// OnError is called for every transport-level failure, including those
	// the transport recovers from by itself.
	OnError(err error)
}

// Transport opens a push stream. Open blocks until ctx is cancelled or the
// transport gives up, and may reconnect internally in between.
type Transport interface {
	Open(ctx context.Context, h Handler) error
}

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	OnStateChange func(State)
	OnError       func(error)
	Logger        *slog.Logger
}

// Channel owns at most one push connection and fans decoded envelopes out to
// subscribers.
//
// Transport errors move the channel to StateError without disconnecting; a
// later open signal from the transport's own retry moves it straight back to
// StateConnected. SetEnabled is the only external reconnect trigger.
type Channel struct {
	transport Transport
	opts      ChannelOptions
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	enabled bool
	gen     uint64
	cancel  context.CancelFunc
	subs    map[int]func(Envelope)
	nextSub int
}

// NewChannel creates a disconnected Channel over t.
func NewChannel(t Transport, opts ChannelOptions) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		transport: t,
		opts:      opts,
		logger:    logger,
		state:     StateDisconnected,
		subs:      make(map[int]func(Envelope)),
	}
}

// Subscribe registers fn for every delivered envelope and returns a function
// that removes it.
func (c *Channel) Subscribe(fn func(Envelope)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Enabled reports whether the channel is enabled.
func (c *Channel) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetEnabled connects (or reconnects) when enabled is true and disconnects
// otherwise.
func (c *Channel) SetEnabled(ctx context.Context, enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()

	if enabled {
		c.Connect(ctx)
		return
	}
	c.Disconnect()
}

// Connect starts a new transport session, tearing down any existing one
// first. It returns immediately; progress is reported through state changes.
func (c *Channel) Connect(ctx context.Context) {
	c.Disconnect()

	c.mu.Lock()
	c.gen++
	gen := c.gen
	sessCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	changed := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.emitState(changed, StateConnecting)
	c.logger.Info("push channel connecting")

	go c.run(sessCtx, gen)
}

// Disconnect tears down the transport session. Calling it while already
// disconnected does nothing.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.cancel == nil && c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	changed := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	c.emitState(changed, StateDisconnected)
	c.logger.Info("push channel disconnected")
}

// Run enables the channel and blocks until ctx is done, then disconnects.
func (c *Channel) Run(ctx context.Context) error {
	c.SetEnabled(ctx, true)
	<-ctx.Done()
	c.SetEnabled(context.Background(), false)
	return nil
}

func (c *Channel) run(ctx context.Context, gen uint64) {
	h := &session{c: c, gen: gen}
	err := c.transport.Open(ctx, h)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = ErrClosed
	}
	h.OnError(err)
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Channel) transition(gen uint64, s State) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	changed := c.setStateLocked(s)
	c.mu.Unlock()
	c.emitState(changed, s)
}

func (c *Channel) setStateLocked(s State) bool {
	if c.state == s {
		return false
	}
	c.state = s
	return true
}

func (c *Channel) emitState(changed bool, s State) {
	if changed && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func (c *Channel) deliver(gen uint64, env Envelope) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	fns := make([]func(Envelope), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		if !c.current(gen) {
			return
		}
		fn(env)
	}
}

// session adapts transport callbacks for one connection generation. Callbacks
// from a superseded session are ignored.
type session struct {
	c   *Channel
	gen uint64
}

func (s *session) OnOpen() {
	s.c.logger.Info("push channel connected")
	s.c.transition(s.gen, StateConnected)
}

func (s *session) OnEvent(name, data string) {
	if !s.c.current(s.gen) {
		return
	}
	if !IsKnownEvent(name) {
		s.c.logger.Debug("ignoring push event", "event", name)
		return
	}
	env, err := ParseEnvelope([]byte(data))
	if err != nil {
		s.c.logger.Warn("dropping malformed envelope", "event", name, "error", err)
		return
	}
	if env.Event == "" {
		env.Event = name
	}
	s.c.logger.Debug("push envelope received", "event", env.Event, "event_id", env.EventID, "queue", env.QueueName)
	s.c.deliver(s.gen, env)
}

func (s *session) OnError(err error) {
	if !s.c.current(s.gen) {
		return
	}
	s.c.logger.Warn("push channel error", "error", err)
	s.c.transition(s.gen, StateError)
	if s.c.opts.OnError != nil {
		s.c.opts.OnError(err)
	}
}

// Package client provides a WebSocket client that keeps one logical connection
// alive, reconnecting with capped exponential backoff and queueing outbound
// messages while the connection is down.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/codeGROOVE-dev/resock/pkg/logger"
)

const (
	// DefaultFirstConnectTimeout bounds how long Connect waits for the first open.
	DefaultFirstConnectTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second

	separatorLine = "!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!"
	msgTypeField  = "type"
)

// Config holds the configuration for the client.
type Config struct {
	Logger   *slog.Logger
	Resolver Resolver        // consulted before every dial; takes precedence over URL
	Dialer   Dialer          // defaults to NetDialer
	Clock    clockwork.Clock // defaults to the real clock
	Rand     func() float64  // jitter source in [0, 1); defaults to math/rand/v2
	Header   http.Header     // extra handshake headers
	URL      string          // static endpoint used when Resolver is nil
	Token    string          // initial bearer token; Connect may replace it
	// Backoff controls reconnect delays. The zero value selects
	// DefaultBackoffPolicy; otherwise zero delays fall back to their defaults
	// and JitterRatio is used as given.
	Backoff             BackoffPolicy
	FirstConnectTimeout time.Duration
	WriteTimeout        time.Duration
	PingInterval        time.Duration // 0 disables client pings
	MaxPending          int           // 0 = unbounded
}

// Stats is a point-in-time snapshot of client counters.
type Stats struct {
	ConnectedAt  time.Time
	URL          string
	State        State
	Attempt      int
	NextDelay    time.Duration // delay of the scheduled retry, if any
	RetryPending bool
	Pending      int
	Sent         uint64
	Received     uint64
	Reconnects   uint64
	Dropped      uint64
	ParseErrors  uint64
}

type subscriber[F any] struct {
	fn F
	id uint64
}

// connectWaiter is the shared result of one Connect cycle.
type connectWaiter struct {
	done     chan struct{}
	err      error
	timer    clockwork.Timer
	resolved bool
}

func (w *connectWaiter) resolve(err error) {
	if w.resolved {
		return
	}
	w.resolved = true
	w.err = err
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.done)
}

// Client maintains at most one live connection and recovers from drops
// without caller intervention.
type Client struct {
	logger *slog.Logger
	clock  clockwork.Clock
	rand   func() float64
	config Config

	mu          sync.Mutex
	state       State
	gen         uint64 // fences goroutines and timers of superseded attempts
	attempt     int
	token       string
	url         string
	conn        Conn
	connDone    chan struct{}
	wake        chan struct{}
	dialCancel  context.CancelFunc
	timer       clockwork.Timer
	nextDelay   time.Duration
	waiter      *connectWaiter
	queue       outbox
	inflight    *pending // popped by the writer, not yet acknowledged
	stats       Stats
	nextSubID   uint64
	onState     []subscriber[func(StateEvent)]
	onMessage   []subscriber[func(Message)]
	onError     []subscriber[func(error)]
	events      []func()
	dispatching bool
}

// New creates a client. It does not connect; call Connect.
func New(config Config) (*Client, error) {
	if config.Resolver == nil {
		if config.URL == "" {
			return nil, ErrNoResolver
		}
		config.Resolver = StaticURL(config.URL)
	}

	if config.Backoff == (BackoffPolicy{}) {
		config.Backoff = DefaultBackoffPolicy()
	}
	if config.Backoff.BaseDelay == 0 {
		config.Backoff.BaseDelay = DefaultBaseDelay
	}
	if config.Backoff.MaxDelay == 0 {
		config.Backoff.MaxDelay = DefaultMaxDelay
	}
	if err := config.Backoff.Validate(); err != nil {
		return nil, fmt.Errorf("backoff: %w", err)
	}
	if config.FirstConnectTimeout < 0 || config.WriteTimeout < 0 || config.PingInterval < 0 {
		return nil, errors.New("timeouts and intervals must not be negative")
	}
	if config.MaxPending < 0 {
		return nil, errors.New("max pending must not be negative")
	}

	if config.FirstConnectTimeout == 0 {
		config.FirstConnectTimeout = DefaultFirstConnectTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.Dialer == nil {
		config.Dialer = NetDialer{}
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Rand == nil {
		config.Rand = rand.Float64
	}

	l := config.Logger
	if l == nil {
		l = logger.Default()
	}

	return &Client{
		config: config,
		logger: l,
		clock:  config.Clock,
		rand:   config.Rand,
		token:  config.Token,
		queue:  outbox{limit: config.MaxPending},
	}, nil
}

// Connect starts the connection cycle and waits until the socket opens.
//
// If the socket does not open within FirstConnectTimeout, Connect returns a
// *ConnectionError wrapping ErrConnectTimeout while retries continue in the
// background; observe the eventual Connected state with OnStateChange.
// Calling Connect while connected returns nil at once, and calling it while a
// connection is being established waits on that same attempt. A non-empty
// authToken replaces the bearer token for this and later dials.
// Cancelling ctx only abandons the wait.
func (c *Client) Connect(ctx context.Context, authToken string) error {
	c.mu.Lock()
	if authToken != "" {
		c.token = authToken
	}

	switch c.state {
	case Connected:
		c.mu.Unlock()
		return nil
	case Connecting, Reconnecting:
		w := c.waiter
		if w == nil {
			w = c.newWaiterLocked()
		}
		c.mu.Unlock()
		return c.wait(ctx, w)
	default:
	}

	// Disconnected or Failed: start a fresh cycle. A queue frozen by Failed is kept.
	c.stopTimerLocked()
	c.attempt = 0
	c.nextDelay = 0
	w := c.newWaiterLocked()
	c.setStateLocked(Connecting, nil)
	dialCtx, gen := c.beginDialLocked()
	c.mu.Unlock()
	c.dispatch()

	c.logger.Info("CONNECTING to WebSocket server")
	go c.dial(dialCtx, gen)

	return c.wait(ctx, w)
}

// Disconnect closes the socket, cancels any scheduled reconnect, clears the
// pending queue and moves to Disconnected. It is idempotent and never retried.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopTimerLocked()
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	conn := c.teardownLocked()
	c.gen++
	c.queue.clear()
	if c.waiter != nil {
		c.waiter.resolve(ErrDisconnected)
		c.waiter = nil
	}
	changed := c.state != Disconnected
	c.setStateLocked(Disconnected, nil)
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("error closing websocket on disconnect", "error", err)
		}
	}
	if changed {
		c.logger.Info("Client disconnected")
	}
	c.dispatch()
}

// Send transmits msg as JSON if connected and queues it otherwise.
// []byte and json.RawMessage are sent verbatim; Send keeps its own copy, so the
// caller may reuse the buffer once it returns. Only encoding failures are
// returned; a down connection is never an error.
func (c *Client) Send(msg any) error {
	var data []byte
	switch m := msg.(type) {
	case json.RawMessage:
		data = slices.Clone(m)
	case []byte:
		data = bytes.Clone(m)
	default:
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		data = b
	}

	c.mu.Lock()
	c.enqueueLocked(newPending(data, c.clock.Now()))
	c.mu.Unlock()
	c.dispatch()
	return nil
}

// OnStateChange registers a listener for every state transition, delivered in
// transition order after the new state is committed.
//
// One goroutine delivers events at a time. If a call such as Disconnect or
// Send commits a transition while another goroutine is already delivering,
// it returns at once and that goroutine delivers the event afterwards.
func (c *Client) OnStateChange(fn func(StateEvent)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.onState = append(c.onState, subscriber[func(StateEvent)]{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.onState = removeSubscriber(c.onState, id)
	}
}

// OnMessage registers a listener invoked once per inbound message, in arrival order.
func (c *Client) OnMessage(fn func(Message)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.onMessage = append(c.onMessage, subscriber[func(Message)]{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.onMessage = removeSubscriber(c.onMessage, id)
	}
}

// OnError registers a listener for errors that do not propagate to callers:
// *TransportError, *MessageParseError and queue overflow.
func (c *Client) OnError(fn func(error)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.onError = append(c.onError, subscriber[func(error)]{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.onError = removeSubscriber(c.onError, id)
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.State = c.state
	s.Attempt = c.attempt
	s.URL = c.url
	s.RetryPending = c.timer != nil
	if s.RetryPending {
		s.NextDelay = c.nextDelay
	}
	s.Pending = c.queue.len()
	return s
}

func removeSubscriber[F any](subs []subscriber[F], id uint64) []subscriber[F] {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

func (c *Client) wait(ctx context.Context, w *connectWaiter) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) newWaiterLocked() *connectWaiter {
	w := &connectWaiter{done: make(chan struct{})}
	w.timer = c.clock.AfterFunc(c.config.FirstConnectTimeout, func() {
		c.mu.Lock()
		if c.waiter == w {
			c.waiter = nil
		}
		w.resolve(&ConnectionError{Err: ErrConnectTimeout, URL: c.url})
		c.mu.Unlock()
		c.logger.Warn("first connection timed out; retrying in background",
			"timeout", c.config.FirstConnectTimeout)
	})
	c.waiter = w
	return w
}

// beginDialLocked fences off older attempts and returns the context for a new dial.
func (c *Client) beginDialLocked() (context.Context, uint64) {
	if c.dialCancel != nil {
		c.dialCancel()
	}
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	return ctx, c.gen
}

func (c *Client) headerLocked() http.Header {
	h := c.config.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// dial is the low-level connect routine: resolve, handshake, then hand over.
func (c *Client) dial(ctx context.Context, gen uint64) {
	url, err := c.config.Resolver.ResolveURL(ctx)
	if err != nil {
		c.handleFailure(gen, &ConnectionError{Err: fmt.Errorf("resolve url: %w", err)})
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.url = url
	header := c.headerLocked()
	c.mu.Unlock()

	conn, err := c.config.Dialer.Dial(ctx, url, header)
	if err != nil {
		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			c.handleFailure(gen, err)
			return
		}
		c.handleFailure(gen, &TransportError{Op: "dial", Err: err})
		return
	}
	c.opened(gen, conn)
}

// opened commits a successful handshake and starts the per-connection goroutines.
func (c *Client) opened(gen uint64, conn Conn) {
	c.mu.Lock()
	if gen != c.gen || (c.state != Connecting && c.state != Reconnecting) {
		c.mu.Unlock()
		if err := conn.Close(); err != nil {
			c.logger.Debug("error closing superseded websocket", "error", err)
		}
		return
	}

	c.dialCancel = nil
	c.conn = conn
	c.connDone = make(chan struct{})
	c.wake = make(chan struct{}, 1)
	c.attempt = 0
	c.nextDelay = 0
	c.stats.ConnectedAt = c.clock.Now()
	c.setStateLocked(Connected, nil)
	if c.waiter != nil {
		c.waiter.resolve(nil)
		c.waiter = nil
	}
	pending := c.queue.len()
	done, wake, url := c.connDone, c.wake, c.url
	// Flush anything queued while down.
	wake <- struct{}{}
	c.mu.Unlock()

	c.logger.Info("✓ WebSocket connection ESTABLISHED", "url", url, "pending", pending)
	c.dispatch()

	go c.readLoop(gen, conn)
	go c.writeLoop(gen, conn, done, wake)
	if c.config.PingInterval > 0 {
		go c.pingLoop(gen, done)
	}
}

// handleFailure reacts to a failed dial or a lost connection belonging to gen.
func (c *Client) handleFailure(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	// Only the first report for an attempt counts; later ones from the other
	// loop or a closing socket see a newer generation.
	c.gen++
	wasConnected := c.state == Connected
	conn := c.teardownLocked()
	c.dialCancel = nil
	c.queue.dropControl()

	var connErr *ConnectionError
	if errors.As(cause, &connErr) && c.waiter != nil && c.state == Connecting && c.attempt == 0 {
		c.waiter.resolve(cause)
		c.waiter = nil
	}
	c.emitErrorLocked(cause)

	var authErr *AuthenticationError
	switch {
	case errors.As(cause, &authErr):
		c.failLocked(cause)
	case !wasConnected && c.config.Backoff.Exhausted(c.attempt):
		c.failLocked(fmt.Errorf("giving up after %d retries: %w", c.attempt, cause))
	default:
		c.scheduleLocked(cause)
	}
	delay, attempt, state := c.nextDelay, c.attempt, c.state
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("error closing failed websocket", "error", err)
		}
	}

	if wasConnected {
		c.logger.Warn(separatorLine)
		c.logger.Warn("WebSocket CONNECTION LOST!", "error", cause)
		c.logger.Warn(separatorLine)
	}
	if state == Failed {
		c.logger.Error("WebSocket reconnection abandoned", "error", cause, "attempt", attempt)
	} else {
		c.logger.Info("RECONNECTING to WebSocket server", "error", cause, "attempt", attempt+1, "delay", delay)
	}
	c.dispatch()
}

// failLocked moves to Failed and stops scheduling. The queue is left untouched.
func (c *Client) failLocked(cause error) {
	c.stopTimerLocked()
	c.setStateLocked(Failed, cause)
	if c.waiter != nil {
		c.waiter.resolve(&ConnectionError{Err: cause, URL: c.url})
		c.waiter = nil
	}
}

// scheduleLocked arms the single reconnect timer.
func (c *Client) scheduleLocked(cause error) {
	c.setStateLocked(Reconnecting, cause)
	c.stopTimerLocked()
	delay := c.config.Backoff.Delay(c.attempt, c.rand())
	c.nextDelay = delay
	gen := c.gen
	c.timer = c.clock.AfterFunc(delay, func() { c.retry(gen) })
}

// retry fires when the reconnect timer expires.
func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != Reconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.attempt++
	c.stats.Reconnects++
	dialCtx, next := c.beginDialLocked()
	c.mu.Unlock()

	go c.dial(dialCtx, next)
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.nextDelay = 0
}

// teardownLocked detaches the live connection and returns it for closing
// outside the lock. A message caught mid-write goes back to the head of the queue.
func (c *Client) teardownLocked() Conn {
	if c.inflight != nil {
		if !c.inflight.control {
			if dropped, ok := c.queue.pushFront(*c.inflight); ok {
				c.reportDropLocked(dropped)
			}
		}
		c.inflight = nil
	}
	conn := c.conn
	c.conn = nil
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.wake = nil
	return conn
}

func (c *Client) enqueueLocked(p pending) {
	if dropped, ok := c.queue.push(p); ok {
		c.reportDropLocked(dropped)
	}
	c.signalLocked()
}

func (c *Client) reportDropLocked(dropped pending) {
	c.stats.Dropped++
	c.emitErrorLocked(fmt.Errorf("%w: dropped message %s queued at %s",
		ErrQueueFull, dropped.id, dropped.queued.Format(time.RFC3339)))
}

func (c *Client) signalLocked() {
	if c.state != Connected || c.wake == nil {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// writeLoop is the only goroutine writing to conn. It drains the queue in FIFO order.
func (c *Client) writeLoop(gen uint64, conn Conn, done <-chan struct{}, wake <-chan struct{}) {
	for {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		p, ok := c.queue.pop()
		if ok {
			c.inflight = &p
		}
		c.mu.Unlock()

		if !ok {
			select {
			case <-wake:
				continue
			case <-done:
				return
			}
		}

		if err := conn.Write(p.data, c.config.WriteTimeout); err != nil {
			// The teardown in handleFailure requeues p.
			c.handleFailure(gen, &TransportError{Op: "write", Err: err})
			return
		}

		c.mu.Lock()
		if gen == c.gen {
			c.inflight = nil
		} else if !p.control {
			// Torn down mid-write but the frame went out: do not send it twice.
			c.queue.remove(p.id)
		}
		if !p.control {
			c.stats.Sent++
		}
		c.mu.Unlock()
	}
}

// readLoop delivers inbound frames until the connection fails.
func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.Read()
		if err != nil {
			c.handleFailure(gen, &TransportError{Op: "read", Err: err})
			return
		}
		c.handleInbound(gen, data)
	}
}

// pingLoop queues keep-alive pings while the connection identified by gen is live.
func (c *Client) pingLoop(gen uint64, done <-chan struct{}) {
	ticker := c.clock.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.Chan():
			ping, err := json.Marshal(map[string]string{msgTypeField: "ping", "timestamp": now.UTC().Format(time.RFC3339)})
			if err != nil {
				continue
			}
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}
			c.queue.push(pending{data: ping, queued: now, control: true})
			c.signalLocked()
			c.mu.Unlock()
			c.logger.Debug("[KEEP-ALIVE] Queued ping to server")
		}
	}
}

func (c *Client) handleInbound(gen uint64, data []byte) {
	msg, err := parseMessage(data)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.stats.ParseErrors++
		c.emitErrorLocked(err)
		c.mu.Unlock()
		c.logger.Warn("Dropping malformed inbound message", "error", err)
		c.dispatch()
		return
	}

	switch msg.Type {
	case "ping":
		pong := map[string]any{msgTypeField: "pong"}
		if seq, ok := msg.Raw["seq"]; ok {
			pong["seq"] = seq
		}
		if b, err := json.Marshal(pong); err == nil {
			c.queue.push(pending{data: b, queued: c.clock.Now(), control: true})
			c.signalLocked()
		}
		c.mu.Unlock()
		c.logger.Debug("[PING-PONG] Answered server ping", "seq", pong["seq"])
		return
	case "pong":
		c.mu.Unlock()
		c.logger.Debug("[PING-PONG] Received PONG from server")
		return
	default:
	}

	c.stats.Received++
	subs := c.onMessage
	c.events = append(c.events, func() {
		for _, s := range subs {
			s.fn(msg)
		}
	})
	c.mu.Unlock()
	c.dispatch()
}

// setStateLocked commits a transition and queues its notification.
func (c *Client) setStateLocked(to State, cause error) {
	if c.state == to {
		return
	}
	ev := StateEvent{From: c.state, To: to, Err: cause}
	c.state = to
	subs := c.onState
	c.events = append(c.events, func() {
		for _, s := range subs {
			s.fn(ev)
		}
	})
}

func (c *Client) emitErrorLocked(err error) {
	subs := c.onError
	if len(subs) == 0 {
		return
	}
	c.events = append(c.events, func() {
		for _, s := range subs {
			s.fn(err)
		}
	})
}

// dispatch delivers queued notifications in commit order. Only one goroutine
// delivers at a time; a listener calling back into the client has its events
// appended and delivered by the same loop after it returns.
func (c *Client) dispatch() {
	c.mu.Lock()
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true
	for len(c.events) > 0 {
		ev := c.events[0]
		c.events[0] = nil
		c.events = c.events[1:]
		c.mu.Unlock()
		c.deliver(ev)
		c.mu.Lock()
	}
	c.events = nil
	c.dispatching = false
	c.mu.Unlock()
}

func (c *Client) deliver(ev func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("listener panicked", "panic", r)
		}
	}()
	ev()
}

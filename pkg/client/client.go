// Package client is the Go connection manager for the parkbeat relay. It
// owns one WebSocket, reconnects with exponential backoff, replays the
// last payload of each event to late-attached hooks and coalesces
// outbound emits while the link is down.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"parkbeat/internal/events"
	"parkbeat/internal/rooms"
	"parkbeat/pkg/logging"
)

// State is the connection lifecycle phase.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

const (
	defaultBaseBackoff       = time.Second
	defaultMaxBackoff        = 30 * time.Second
	defaultMaxAttempts       = 5
	defaultFlushDelay        = time.Second
	defaultUnsubscribeLinger = 15 * time.Second
	defaultPingInterval      = 5 * time.Second
	writeTimeout             = 10 * time.Second
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client closed")

// Hook receives the raw payload of one event kind.
type Hook func(data json.RawMessage)

// Options configures a Client.
type Options struct {
	URL    string
	UserID string
	Logger logging.Logger
	Dialer *websocket.Dialer

	// Reconnect policy: backoff doubles from BaseBackoff up to MaxBackoff,
	// giving up after MaxAttempts consecutive failures.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int

	// FlushDelay is the coalescing window for delayed emits.
	FlushDelay time.Duration

	// UnsubscribeLinger keeps a left room's hooks alive for frames already
	// in flight when the unsubscribe was sent.
	UnsubscribeLinger time.Duration

	PingInterval time.Duration
}

type roomState struct {
	subscribed bool
	// leftAt is set when the room was unsubscribed; the entry lingers so
	// in-flight frames still dispatch, then gets pruned.
	leftAt        time.Time
	lastHeartbeat int64
}

// Client manages one relay connection.
type Client struct {
	opts Options

	mu       sync.Mutex
	state    State
	socketID string
	ws       *websocket.Conn
	writeMu  sync.Mutex

	hooks       map[events.Kind]map[int]Hook
	nextHookID  int
	lastPayload map[events.Kind]json.RawMessage
	stateHooks  map[int]func(State)

	rooms map[string]*roomState

	pending    []*pendingEmit
	flushTimer *time.Timer

	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	now func() time.Time
}

// New creates a client. Connect must be called before emitting.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("relay url is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = defaultFlushDelay
	}
	if opts.UnsubscribeLinger <= 0 {
		opts.UnsubscribeLinger = defaultUnsubscribeLinger
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Client{
		opts:        opts,
		state:       StateDisconnected,
		hooks:       make(map[events.Kind]map[int]Hook),
		lastPayload: make(map[events.Kind]json.RawMessage),
		stateHooks:  make(map[int]func(State)),
		rooms:       make(map[string]*roomState),
		done:        make(chan struct{}),
		now:         time.Now,
	}, nil
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SocketID returns the server-assigned id, empty until provideSocketId
// arrives.
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// Connect dials the relay and starts the read and ping loops. On failure
// the reconnect policy takes over.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	if err := c.dial(ctx); err != nil {
		go c.reconnect(ctx)
		return err
	}
	return nil
}

// Close tears the connection down permanently.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		ws := c.ws
		c.ws = nil
		if c.flushTimer != nil {
			c.flushTimer.Stop()
		}
		c.mu.Unlock()
		close(c.done)
		if ws != nil {
			_ = ws.Close()
		}
		c.setState(StateDisconnected)
	})
	return nil
}

// On registers a hook for an event kind and returns its remover. If a
// payload for the kind was already received, the hook fires immediately
// with it: late attachment never misses the current state.
func (c *Client) On(kind events.Kind, hook Hook) func() {
	c.mu.Lock()
	if c.hooks[kind] == nil {
		c.hooks[kind] = make(map[int]Hook)
	}
	id := c.nextHookID
	c.nextHookID++
	c.hooks[kind][id] = hook
	replay, hasReplay := c.lastPayload[kind]
	c.mu.Unlock()

	if hasReplay {
		hook(replay)
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.hooks[kind], id)
	}
}

// OnStateChange registers a lifecycle observer and returns its remover.
func (c *Client) OnStateChange(hook func(State)) func() {
	c.mu.Lock()
	id := c.nextHookID
	c.nextHookID++
	c.stateHooks[id] = hook
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateHooks, id)
	}
}

// SubscribeGeohash joins a geohash-prefix room. The subscription is
// replayed automatically after every reconnect.
func (c *Client) SubscribeGeohash(prefix string) error {
	return c.subscribeRoom(rooms.Geohash(prefix))
}

// UnsubscribeGeohash leaves a geohash-prefix room.
func (c *Client) UnsubscribeGeohash(prefix string) error {
	return c.unsubscribeRoom(rooms.Geohash(prefix))
}

// SubscribeProject joins a single-project room.
func (c *Client) SubscribeProject(projectID string) error {
	return c.subscribeRoom(rooms.Project(projectID))
}

// UnsubscribeProject leaves a single-project room.
func (c *Client) UnsubscribeProject(projectID string) error {
	return c.unsubscribeRoom(rooms.Project(projectID))
}

// Rooms returns the rooms currently subscribed, lingering entries excluded.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for name, rs := range c.rooms {
		if rs.subscribed {
			out = append(out, name)
		}
	}
	return out
}

func (c *Client) subscribeRoom(room rooms.Room) error {
	c.mu.Lock()
	rs := c.rooms[room.String()]
	if rs == nil {
		rs = &roomState{}
		c.rooms[room.String()] = rs
	}
	rs.subscribed = true
	rs.leftAt = time.Time{}
	c.mu.Unlock()
	// Room toggles ride the coalescing window so a subscribe immediately
	// undone by an unsubscribe never reaches the wire.
	return c.Emit(subscribeKind(room), subscribePayload(room, true),
		WithUniqueKey("sub:"+room.String()), WithReplace(), WithDelayed(), WithToggle(true))
}

func (c *Client) unsubscribeRoom(room rooms.Room) error {
	c.mu.Lock()
	if rs := c.rooms[room.String()]; rs != nil {
		rs.subscribed = false
		rs.leftAt = c.now()
	}
	c.mu.Unlock()
	return c.Emit(subscribeKind(room), subscribePayload(room, false),
		WithUniqueKey("sub:"+room.String()), WithReplace(), WithDelayed(), WithToggle(false))
}

func subscribeKind(room rooms.Room) events.Kind {
	if room.Kind == rooms.KindProject {
		return events.SubscribeProject
	}
	return events.Subscribe
}

func subscribePayload(room rooms.Room, subscribe bool) any {
	if room.Kind == rooms.KindProject {
		return events.SubscribeProjectPayload{ProjectID: room.Key, ShouldSubscribe: subscribe}
	}
	return events.SubscribePayload{Geohash: room.Key, ShouldSubscribe: subscribe}
}

func (c *Client) dial(ctx context.Context) error {
	url := c.opts.URL
	if c.opts.UserID != "" {
		url += "?userId=" + c.opts.UserID
	}
	ws, _, err := c.opts.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	c.ws = ws
	c.mu.Unlock()

	c.setState(StateConnected)
	go c.readLoop(ctx, ws)
	go c.pingLoop(ws)
	return nil
}

// reconnect retries with exponential backoff until it succeeds, the
// attempt budget runs out, or the client closes.
func (c *Client) reconnect(ctx context.Context) {
	c.setState(StateReconnecting)
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		backoff := c.opts.BaseBackoff << attempt
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-time.After(backoff):
		}

		if err := c.dial(ctx); err != nil {
			c.opts.Logger.WithError(err).WithField("attempt", attempt+1).Warn("Relay reconnect failed")
			continue
		}
		return
	}
	c.opts.Logger.Error("Relay reconnect gave up")
	c.setState(StateDisconnected)
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.ws == ws
			closed := c.closed
			if current {
				c.ws = nil
			}
			c.mu.Unlock()
			if current && !closed {
				c.opts.Logger.WithError(err).Warn("Relay connection lost")
				go c.reconnect(ctx)
			}
			return
		}
		env, err := events.Decode(frame)
		if err != nil {
			c.opts.Logger.WithError(err).Warn("Dropping malformed relay frame")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) pingLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.ws == ws
			c.mu.Unlock()
			if !current {
				return
			}
			if err := c.writeEnvelope(ws, events.Envelope{Event: events.Ping}); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(env events.Envelope) {
	c.pruneLingering()

	if env.Event == events.ProvideSocketID {
		var payload events.ProvideSocketIDPayload
		if err := json.Unmarshal(env.Data, &payload); err == nil {
			c.mu.Lock()
			c.socketID = payload.ID
			c.mu.Unlock()
			// A fresh socket id means fresh server-side state: replay the
			// room subscriptions, then release anything queued behind them.
			c.resubscribe()
			c.flush()
		}
	}
	if env.Event == events.Heartbeat {
		var payload events.HeartbeatPayload
		if err := json.Unmarshal(env.Data, &payload); err == nil {
			c.mu.Lock()
			if rs := c.rooms[payload.Room]; rs != nil {
				rs.lastHeartbeat = payload.LastPingTime
			}
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	c.lastPayload[env.Event] = env.Data
	targets := make([]Hook, 0, len(c.hooks[env.Event]))
	for _, hook := range c.hooks[env.Event] {
		targets = append(targets, hook)
	}
	c.mu.Unlock()

	for _, hook := range targets {
		hook(env.Data)
	}
}

// pruneLingering drops room entries whose unsubscribe linger has expired.
func (c *Client) pruneLingering() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, rs := range c.rooms {
		if !rs.subscribed && !rs.leftAt.IsZero() && c.now().Sub(rs.leftAt) > c.opts.UnsubscribeLinger {
			delete(c.rooms, name)
		}
	}
}

// resubscribe queues a subscribe emit for every room still marked joined.
func (c *Client) resubscribe() {
	c.mu.Lock()
	joined := make([]rooms.Room, 0, len(c.rooms))
	for name, rs := range c.rooms {
		if !rs.subscribed {
			continue
		}
		room, err := rooms.Parse(name)
		if err != nil {
			continue
		}
		joined = append(joined, room)
	}
	c.mu.Unlock()

	// Replay emits skip the coalescing window: after a reconnect the server
	// has no state for this socket and rooms must rejoin promptly. The
	// replace clears any pending delay under the same key.
	for _, room := range joined {
		_ = c.Emit(subscribeKind(room), subscribePayload(room, true),
			WithUniqueKey("sub:"+room.String()), WithReplace(), WithToggle(true))
	}
}

func (c *Client) setState(next State) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	observers := make([]func(State), 0, len(c.stateHooks))
	for _, hook := range c.stateHooks {
		observers = append(observers, hook)
	}
	c.mu.Unlock()

	for _, hook := range observers {
		hook(next)
	}
}

func (c *Client) writeEnvelope(ws *websocket.Conn, env events.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

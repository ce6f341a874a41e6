package client

import (
	"time"

	"parkbeat/internal/events"
)

// pendingEmit is one queued outbound event.
type pendingEmit struct {
	kind      events.Kind
	env       events.Envelope
	uniqueKey string
	due       time.Time // zero for immediate emits
	// toggle marks an on/off emit; a queued entry and a replacement with
	// opposite toggles cancel each other before reaching the wire.
	toggle *bool
}

type emitConfig struct {
	replace   bool
	delayed   bool
	uniqueKey string
	toggle    *bool
}

// EmitOption adjusts queueing behavior for one emit.
type EmitOption func(*emitConfig)

// WithReplace makes a later emit with the same unique key overwrite the
// queued payload instead of appending a second entry.
func WithReplace() EmitOption {
	return func(cfg *emitConfig) { cfg.replace = true }
}

// WithDelayed holds the emit for the coalescing window before sending, so
// rapid successive updates collapse into the final one.
func WithDelayed() EmitOption {
	return func(cfg *emitConfig) { cfg.delayed = true }
}

// WithUniqueKey tags the emit for replacement and cancellation.
func WithUniqueKey(key string) EmitOption {
	return func(cfg *emitConfig) { cfg.uniqueKey = key }
}

// WithToggle marks the emit as one direction of an on/off pair under its
// unique key. A replacement carrying the opposite direction cancels a
// still-queued entry outright: subscribe immediately followed by
// unsubscribe sends nothing.
func WithToggle(on bool) EmitOption {
	return func(cfg *emitConfig) { cfg.toggle = &on }
}

// Emit sends an event to the relay. Emits queue while the link is down or
// the socket id is not yet assigned, and drain subscription-first once it
// is. Delayed emits wait out the coalescing window even while connected.
func (c *Client) Emit(kind events.Kind, payload any, opts ...EmitOption) error {
	var cfg emitConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	env, err := events.New(kind, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	entry := &pendingEmit{kind: kind, env: env, uniqueKey: cfg.uniqueKey, toggle: cfg.toggle}
	if cfg.delayed {
		entry.due = c.now().Add(c.opts.FlushDelay)
	}

	if cfg.uniqueKey != "" && cfg.replace {
		for i, queued := range c.pending {
			if queued.uniqueKey != cfg.uniqueKey {
				continue
			}
			if queued.toggle != nil && entry.toggle != nil && *queued.toggle != *entry.toggle {
				// Opposite directions annihilate: the queued frame was
				// never sent, so the pair nets out to no frame at all.
				c.pending = append(c.pending[:i], c.pending[i+1:]...)
				c.mu.Unlock()
				return nil
			}
			queued.env = env
			queued.kind = kind
			queued.due = entry.due
			queued.toggle = entry.toggle
			c.mu.Unlock()
			c.flush()
			return nil
		}
	}
	c.pending = append(c.pending, entry)
	c.mu.Unlock()

	c.flush()
	return nil
}

// Cancel drops a queued emit by its unique key. Returns whether an entry
// was still queued.
func (c *Client) Cancel(uniqueKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, queued := range c.pending {
		if queued.uniqueKey == uniqueKey {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

// flush sends every due queued emit. Subscription events go first: the
// server must know the rooms before any frame that depends on them.
func (c *Client) flush() {
	c.mu.Lock()
	ws := c.ws
	if ws == nil || c.socketID == "" || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}

	now := c.now()
	var ready, held []*pendingEmit
	nextDue := time.Time{}
	for _, entry := range c.pending {
		if entry.due.After(now) {
			held = append(held, entry)
			if nextDue.IsZero() || entry.due.Before(nextDue) {
				nextDue = entry.due
			}
			continue
		}
		ready = append(ready, entry)
	}
	c.pending = held

	// Stable partition: subscriptions ahead of everything else.
	ordered := make([]*pendingEmit, 0, len(ready))
	for _, entry := range ready {
		if entry.kind == events.Subscribe || entry.kind == events.SubscribeProject {
			ordered = append(ordered, entry)
		}
	}
	for _, entry := range ready {
		if entry.kind != events.Subscribe && entry.kind != events.SubscribeProject {
			ordered = append(ordered, entry)
		}
	}

	if !nextDue.IsZero() {
		delay := nextDue.Sub(now)
		if c.flushTimer != nil {
			c.flushTimer.Stop()
		}
		c.flushTimer = time.AfterFunc(delay, c.flush)
	}
	c.mu.Unlock()

	for i, entry := range ordered {
		if err := c.writeEnvelope(ws, entry.env); err != nil {
			c.opts.Logger.WithError(err).WithField("event", entry.kind).Warn("Emit failed, requeueing")
			// The whole unsent tail goes back to the front in order; the
			// reconnect path flushes it once the link returns.
			c.mu.Lock()
			c.pending = append(append([]*pendingEmit{}, ordered[i:]...), c.pending...)
			c.mu.Unlock()
			return
		}
	}
}

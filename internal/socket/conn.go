package socket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"parkbeat/internal/events"
	"parkbeat/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// ErrConnClosed is returned when sending on a closed connection.
var ErrConnClosed = errors.New("socket closed")

// Conn is one client connection. It exclusively owns its inbound and
// outbound streams; other tasks push through the bounded send channel.
type Conn struct {
	id     string
	userID string
	hub    *Hub
	ws     *websocket.Conn
	send   chan []byte

	// rooms mirrors this socket's subscriptions for heartbeat emission:
	// room wire name → last server-observed ping, unix ms.
	rooms   map[string]int64
	roomsMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu serializes queueing against teardown: senders hold the read
	// side for the whole send, close takes the write side before closing
	// the channel. A send can then never race the close.
	sendMu sync.RWMutex
	closed bool

	logger logging.Logger
}

// ID returns the server-assigned socket id.
func (c *Conn) ID() string {
	return c.id
}

// UserID returns the opaque user identifier carried by the connection.
func (c *Conn) UserID() string {
	return c.userID
}

// Context is cancelled when the socket closes; handlers check it between
// suspension points to abort in-flight snapshot queries.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// JoinRoom adds the room to the heartbeat mirror.
func (c *Conn) JoinRoom(room string) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	c.rooms[room] = time.Now().UnixMilli()
}

// LeaveRoom removes the room from the heartbeat mirror.
func (c *Conn) LeaveRoom(room string) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	delete(c.rooms, room)
}

// MarkPing records a ping time for every mirrored room.
func (c *Conn) MarkPing(at time.Time) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	ms := at.UnixMilli()
	for room := range c.rooms {
		c.rooms[room] = ms
	}
}

// Rooms returns the mirrored room names.
func (c *Conn) Rooms() []string {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

// SendEvent serializes and queues one envelope for this socket.
func (c *Conn) SendEvent(env events.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	if err := c.sendFrame(frame); err != nil {
		return err
	}
	c.hub.countOut(env.Event)
	return nil
}

// sendFrame queues raw bytes, blocking up to the hub's send timeout.
// Business events block rather than drop; a peer that cannot drain its
// channel within the timeout is treated as dead.
func (c *Conn) sendFrame(frame []byte) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	timer := time.NewTimer(c.hub.sendTimeout)
	defer timer.Stop()
	select {
	case c.send <- frame:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	case <-timer.C:
		return errors.New("send buffer full")
	}
}

// close releases connection resources. Called by the hub's main loop only.
// The cancel runs before the write lock is taken: senders parked on a full
// channel wake through ctx.Done and release their read locks, so the close
// cannot deadlock behind them.
func (c *Conn) close() {
	c.cancel()
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.sendMu.Unlock()
	_ = c.ws.Close()
}

// readPump pumps frames from the socket to the event handler. One task per
// connection; handler calls run inline so per-socket order is preserved.
func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister <- c
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("socket_id", c.id).Error("WebSocket connection error")
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			c.logger.WithField("socket_id", c.id).Warn("Rejecting binary frame")
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "binary frames not supported"),
				time.Now().Add(writeWait))
			return
		}

		env, err := events.Decode(frame)
		if err != nil {
			c.logger.WithError(err).WithField("socket_id", c.id).Warn("Dropping malformed frame")
			continue
		}
		if !events.KnownC2S(env.Event) {
			c.logger.WithFields(logging.Fields{
				"socket_id": c.id,
				"event":     env.Event,
			}).Warn("Dropping unknown event kind")
			continue
		}

		c.hub.countIn(env.Event)
		if c.hub.handler != nil {
			c.hub.handler.HandleEvent(c.ctx, c, env)
		}
	}
}

// writePump pumps queued frames to the socket and owns the two tickers:
// protocol-level pings and per-room application heartbeats.
func (c *Conn) writePump() {
	pingTicker := time.NewTicker(pingPeriod)
	heartbeatTicker := time.NewTicker(c.hub.heartbeatInterval)
	defer func() {
		pingTicker.Stop()
		heartbeatTicker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-heartbeatTicker.C:
			// Heartbeats are generated at the point of write; missed
			// ticks coalesce instead of queueing behind business events.
			if err := c.writeHeartbeats(); err != nil {
				return
			}

		case <-pingTicker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) writeHeartbeats() error {
	c.roomsMu.Lock()
	beats := make(map[string]int64, len(c.rooms))
	for room, lastPing := range c.rooms {
		beats[room] = lastPing
	}
	c.roomsMu.Unlock()

	for room, lastPing := range beats {
		env := events.MustNew(events.Heartbeat, events.HeartbeatPayload{
			Room:         room,
			LastPingTime: lastPing,
		})
		frame, err := env.Encode()
		if err != nil {
			return err
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
		c.hub.countOut(events.Heartbeat)
	}
	return nil
}

// Package testutil holds shared helpers for relay tests: a raw WebSocket
// test client speaking the event protocol and sqlmock row builders for the
// project store.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"parkbeat/internal/events"
	"parkbeat/pkg/logging"
)

// WebSocketTestClient is a raw protocol client for exercising the relay in
// tests. Unlike pkg/client it performs no reconnects or coalescing.
type WebSocketTestClient struct {
	conn      *websocket.Conn
	envelopes chan events.Envelope
	errors    chan error
	closed    bool
	mutex     sync.RWMutex
	logger    logging.Logger
}

// WSURL rewrites an httptest server URL to its ws:// form.
func WSURL(httpURL, path string) string {
	return strings.Replace(httpURL, "http://", "ws://", 1) + path
}

// NewWebSocketTestClient connects to the relay and starts reading.
func NewWebSocketTestClient(serverURL string) (*WebSocketTestClient, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(serverURL, nil)
	if resp != nil {
		defer func() {
			_ = resp.Body.Close()
		}()
	}
	if err != nil {
		return nil, err
	}

	client := &WebSocketTestClient{
		conn:      conn,
		envelopes: make(chan events.Envelope, 32),
		errors:    make(chan error, 1),
		logger:    logging.NewLogger(),
	}
	go client.readPump()
	return client, nil
}

// SendEvent writes one envelope in the object wire form.
func (c *WebSocketTestClient) SendEvent(kind events.Kind, payload any) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	env, err := events.New(kind, payload)
	if err != nil {
		return err
	}
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// SendRaw writes raw bytes, for malformed-frame tests.
func (c *WebSocketTestClient) SendRaw(frame []byte) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// ReadEvent returns the next envelope, failing after the timeout.
func (c *WebSocketTestClient) ReadEvent(timeout time.Duration) (events.Envelope, error) {
	select {
	case env := <-c.envelopes:
		return env, nil
	case err := <-c.errors:
		return events.Envelope{}, err
	case <-time.After(timeout):
		return events.Envelope{}, context.DeadlineExceeded
	}
}

// WaitForEvent discards frames until one of the wanted kind arrives.
// Heartbeats and pongs interleave with everything; most tests only care
// about a specific kind.
func (c *WebSocketTestClient) WaitForEvent(kind events.Kind, timeout time.Duration) (events.Envelope, error) {
	deadline := time.After(timeout)
	for {
		select {
		case env := <-c.envelopes:
			if env.Event == kind {
				return env, nil
			}
		case err := <-c.errors:
			return events.Envelope{}, err
		case <-deadline:
			return events.Envelope{}, context.DeadlineExceeded
		}
	}
}

// Close closes the client connection.
func (c *WebSocketTestClient) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.closed {
		c.closed = true
		return c.conn.Close()
	}
	return nil
}

func (c *WebSocketTestClient) readPump() {
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				select {
				case c.errors <- err:
				default:
				}
			}
			return
		}
		env, derr := events.Decode(frame)
		if derr != nil {
			c.logger.WithError(derr).Warn("Test client received undecodable frame")
			continue
		}
		select {
		case c.envelopes <- env:
		default:
			// Channel full, drop message
		}
	}
}

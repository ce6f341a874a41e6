package socket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"parkbeat/internal/events"
	"parkbeat/internal/metrics"
	"parkbeat/pkg/logging"
)

// EventHandler dispatches one decoded inbound event. Implemented by the
// handlers package; handlers run in the connection's own task.
type EventHandler interface {
	HandleEvent(ctx context.Context, conn *Conn, env events.Envelope)
}

// CloseHook observes socket teardown, used to enqueue cleanup. It must not
// block; the hub invokes it outside the teardown path.
type CloseHook func(socketID string)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub owns the set of live sockets on this process and routes outbound
// envelopes to them. Subscription state lives in the shared registry, not
// here; the hub only mirrors what each connection needs for heartbeats.
type Hub struct {
	conns      map[string]*Conn
	register   chan *Conn
	unregister chan *Conn
	handler    EventHandler
	closeHook  CloseHook
	logger     logging.Logger
	metrics    *metrics.Metrics

	heartbeatInterval time.Duration
	sendTimeout       time.Duration

	mutex sync.RWMutex
}

// NewHub creates a socket hub. The event handler is attached afterwards
// because handlers need the hub to emit responses.
func NewHub(logger logging.Logger, m *metrics.Metrics, heartbeatInterval time.Duration) *Hub {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 5 * time.Second
	}
	return &Hub{
		conns:             make(map[string]*Conn),
		register:          make(chan *Conn),
		unregister:        make(chan *Conn),
		logger:            logger,
		metrics:           m,
		heartbeatInterval: heartbeatInterval,
		sendTimeout:       5 * time.Second,
	}
}

// SetHandler attaches the inbound event dispatcher.
func (h *Hub) SetHandler(handler EventHandler) {
	h.handler = handler
}

// SetCloseHook attaches the teardown observer.
func (h *Hub) SetCloseHook(hook CloseHook) {
	h.closeHook = hook
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mutex.Lock()
			h.conns[conn.id] = conn
			count := len(h.conns)
			h.mutex.Unlock()
			h.setGauge(count)
			h.logger.WithFields(logging.Fields{
				"socket_id":    conn.id,
				"socket_count": count,
			}).Info("Socket connected")

		case conn := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.conns[conn.id]; ok {
				delete(h.conns, conn.id)
				conn.close()
			}
			count := len(h.conns)
			h.mutex.Unlock()
			h.setGauge(count)
			h.logger.WithFields(logging.Fields{
				"socket_id":    conn.id,
				"socket_count": count,
			}).Info("Socket disconnected")

			// Cleanup is enqueued off the teardown path; the socket's
			// registry entries are reclaimed by whichever process drains
			// the queue first.
			if h.closeHook != nil {
				go h.closeHook(conn.id)
			}
		}
	}
}

// Deliver pushes one envelope to every addressed socket held locally.
// Socket ids living on other processes are silently skipped; their hub
// receives the same frame from the relay bus.
func (h *Hub) Deliver(ctx context.Context, socketIDs []string, env events.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	h.mutex.RLock()
	local := make([]*Conn, 0, len(socketIDs))
	for _, id := range socketIDs {
		if conn, ok := h.conns[id]; ok {
			local = append(local, conn)
		}
	}
	h.mutex.RUnlock()

	for _, conn := range local {
		if err := conn.sendFrame(frame); err != nil {
			h.logger.WithError(err).WithField("socket_id", conn.id).Warn("Dropping outbound frame")
			continue
		}
		h.countOut(env.Event)
	}
	return nil
}

// Kick forcibly disconnects a locally held socket. Returns false when the
// socket lives on another process.
func (h *Hub) Kick(socketID string) bool {
	h.mutex.RLock()
	conn, ok := h.conns[socketID]
	h.mutex.RUnlock()
	if !ok {
		return false
	}
	h.unregister <- conn
	return true
}

// Conn returns the locally held connection for a socket id, if any.
func (h *Hub) Conn(socketID string) (*Conn, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	conn, ok := h.conns[socketID]
	return conn, ok
}

// Stats returns hub statistics for health reporting.
func (h *Hub) Stats() map[string]interface{} {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	roomCounts := make(map[string]int)
	for _, conn := range h.conns {
		for _, room := range conn.Rooms() {
			roomCounts[room]++
		}
	}
	return map[string]interface{}{
		"total_sockets":      len(h.conns),
		"room_subscriptions": roomCounts,
	}
}

// ServeWS upgrades an HTTP request, assigns a fresh socket id and starts
// the connection's read and write tasks.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		id:     uuid.New().String(),
		userID: r.URL.Query().Get("userId"),
		hub:    h,
		ws:     ws,
		send:   make(chan []byte, 256),
		rooms:  make(map[string]int64),
		ctx:    ctx,
		cancel: cancel,
		logger: h.logger,
	}

	h.register <- conn

	go conn.writePump()
	go conn.readPump()

	// The socket learns its server-assigned id before anything else.
	if err := conn.SendEvent(events.MustNew(events.ProvideSocketID, events.ProvideSocketIDPayload{ID: conn.id})); err != nil {
		h.logger.WithError(err).WithField("socket_id", conn.id).Warn("Failed to deliver socket id")
	}
}

func (h *Hub) setGauge(count int) {
	if h.metrics != nil && h.metrics.SocketsConnected != nil {
		h.metrics.SocketsConnected.WithLabelValues("open").Set(float64(count))
	}
}

func (h *Hub) countIn(kind events.Kind) {
	if h.metrics != nil && h.metrics.EventsIn != nil {
		h.metrics.EventsIn.WithLabelValues(string(kind)).Inc()
	}
}

func (h *Hub) countOut(kind events.Kind) {
	if h.metrics != nil && h.metrics.EventsOut != nil {
		h.metrics.EventsOut.WithLabelValues(string(kind)).Inc()
	}
}

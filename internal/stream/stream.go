// Package stream fans lifecycle events out to dashboard WebSocket
// clients. A single Hub subscribes to the event bus and pushes each
// event to the connections of the matching project as {"t","ts","d"}
// text frames. The stream is best-effort: there is no replay, and
// clients that cannot keep up are disconnected rather than buffered.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/bus"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// presumed dead. Pings go out at pingPeriod, which must be shorter.
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// maxMessageSize caps inbound frames. The stream is server-push
	// only; clients send nothing but control traffic.
	maxMessageSize = 512

	// sendDepth is the per-client send queue. A client that falls this
	// far behind is disconnected instead of buffered further.
	sendDepth = 256

	// busDepth is the hub's bus subscription buffer.
	busDepth = 256
)

// Frame is the wire shape of one stream event.
type Frame struct {
	T  string    `json:"t"`
	TS time.Time `json:"ts"`
	D  any       `json:"d"`
}

// wsConn is the slice of *websocket.Conn the hub drives.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

type client struct {
	projectID uuid.UUID
	conn      wsConn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// enqueue hands a frame to the client's write pump without blocking. It
// reports false when the queue is full. send is never closed, so
// enqueueing may race shutdown without panicking.
func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return true
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writePump writes queued frames and keepalive pings until the client
// shuts down or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards anything the client sends and exits when the
// connection drops. Pongs extend the read deadline.
func (c *client) readPump(h *Hub) {
	defer h.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Hub distributes bus events to WebSocket clients grouped by project.
type Hub struct {
	bus *bus.Bus
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[uuid.UUID]map[*client]struct{}
	stopped bool

	events   chan bus.Event
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a stream hub publishing events from b.
func New(b *bus.Bus, logger zerolog.Logger) *Hub {
	return &Hub{
		bus:     b,
		clients: make(map[uuid.UUID]map[*client]struct{}),
		log:     logger.With().Str("component", "stream").Logger(),
	}
}

// Start subscribes the hub to the bus and begins dispatching.
func (h *Hub) Start(ctx context.Context) {
	h.events = h.bus.Subscribe(busDepth)
	h.wg.Add(1)
	go h.run(ctx)
	h.log.Info().Msg("Event stream hub started")
}

// Stop detaches the hub from the bus, waits for the dispatch loop, and
// closes every connection with a Going Away frame.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.bus.Unsubscribe(h.events)
	})
	h.wg.Wait()

	h.mu.Lock()
	h.stopped = true
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.clients = make(map[uuid.UUID]map[*client]struct{})
	h.mu.Unlock()

	goingAway := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range all {
		_ = c.conn.WriteControl(websocket.CloseMessage, goingAway, time.Now().Add(writeWait))
		c.shutdown()
		_ = c.conn.Close()
	}
	h.log.Info().Msg("Event stream hub shut down")
}

func (h *Hub) run(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-h.events:
			if !ok {
				return
			}
			if event.IsEnvelope() || !bus.ValidEvent(event.Name) {
				continue
			}
			h.dispatch(event)
		}
	}
}

// ServeWebSocket registers an upgraded connection for projectID and
// pumps it until the peer disconnects or the hub shuts down. It blocks
// so the caller's handler keeps the connection alive by not returning.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, projectID uuid.UUID) {
	h.serve(conn, projectID)
}

func (h *Hub) serve(conn wsConn, projectID uuid.UUID) {
	c := &client{
		projectID: projectID,
		conn:      conn,
		send:      make(chan []byte, sendDepth),
		done:      make(chan struct{}),
	}
	if !h.register(c) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go c.writePump()
	c.readPump(h)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return false
	}
	set, ok := h.clients[c.projectID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.projectID] = set
	}
	set[c] = struct{}{}
	h.log.Debug().Stringer("project_id", c.projectID).Int("clients", len(set)).Msg("Stream client connected")
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	set := h.clients[c.projectID]
	_, member := set[c]
	if member {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.projectID)
		}
	}
	h.mu.Unlock()

	if !member {
		return
	}

	c.shutdown()
	_ = c.conn.Close()
	h.log.Debug().Stringer("project_id", c.projectID).Msg("Stream client disconnected")
}

// dispatch marshals the event once and fans it out to the project's
// clients. Clients whose send queue is full are disconnected.
func (h *Hub) dispatch(event bus.Event) {
	h.mu.RLock()
	set := h.clients[event.ProjectID]
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	msg, err := json.Marshal(Frame{T: event.Name, TS: event.Timestamp, D: event.Payload})
	if err != nil {
		h.log.Warn().Err(err).Str("event", event.Name).Msg("Failed to encode stream frame")
		return
	}

	for _, c := range targets {
		if !c.enqueue(msg) {
			h.log.Warn().Str("event", event.Name).Msg("Stream client send queue full, closing connection")
			h.unregister(c)
		}
	}
}

// ClientCount returns the number of connected clients across all projects.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

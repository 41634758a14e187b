// Package events delivers live restoration progress to WebSocket
// observers. The primary SSE stream belongs to the submitting client;
// observers attach here, keyed by submission hash, and receive the same
// agent messages without affecting the pipeline.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manuscriptlab/palimpsest/pkg/models"
)

// SubmissionChannel returns the channel name for a submission's events.
// Format: "submission:{hash}"
func SubmissionChannel(hash string) string {
	return "submission:" + hash
}

// ClientMessage is the JSON structure for observer → server messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "ping"
	Channel string `json:"channel,omitempty"` // e.g. "submission:9f86d0..."
}

// CatchupFunc reports the terminal event for a channel whose run already
// completed, so late observers are not left waiting on a finished stream.
type CatchupFunc func(channel string) (models.StreamEvent, bool)

// Hub manages observer WebSocket connections and their channel
// subscriptions. One Hub per process.
type Hub struct {
	// Active connections: connection id → *connection.
	connections map[string]*connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection ids.
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	catchup      CatchupFunc
	writeTimeout time.Duration
}

// connection is a single observer.
//
// subscriptions is accessed only from the goroutine running the read
// loop, so it needs no lock. sendMu serializes writes because broadcasts
// arrive from pipeline goroutines concurrently with control replies.
type connection struct {
	id            string
	conn          *websocket.Conn
	sendMu        sync.Mutex
	subscriptions map[string]bool
}

// NewHub creates a Hub. catchup may be nil when late-subscriber delivery
// is not wanted.
func NewHub(catchup CatchupFunc, writeTimeout time.Duration) *Hub {
	return &Hub{
		connections:  make(map[string]*connection),
		channels:     make(map[string]map[string]bool),
		catchup:      catchup,
		writeTimeout: writeTimeout,
	}
}

// HandleConnection owns the lifecycle of one observer connection. Called
// by the WebSocket HTTP handler after upgrade; blocks until the
// connection closes.
func (h *Hub) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	h.run(ctx, conn, "")
}

// HandleObserver is HandleConnection with an initial subscription, used
// by the per-submission observer endpoint.
func (h *Hub) HandleObserver(ctx context.Context, conn *websocket.Conn, channel string) {
	h.run(ctx, conn, channel)
}

func (h *Hub) run(ctx context.Context, conn *websocket.Conn, initialChannel string) {
	c := &connection{
		id:            uuid.New().String(),
		conn:          conn,
		subscriptions: make(map[string]bool),
	}

	h.register(c)
	defer h.unregister(c)

	h.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	if initialChannel != "" {
		h.handleClientMessage(c, &ClientMessage{Action: "subscribe", Channel: initialChannel})
	}

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid observer message", "connection_id", c.id, "error", err)
			continue
		}
		h.handleClientMessage(c, &msg)
	}
}

// Broadcast sends one stream event to every observer of the channel.
// Never blocks the caller beyond the per-connection write timeout; a
// connection that cannot keep up is dropped.
func (h *Hub) Broadcast(channel string, event models.StreamEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to marshal stream event", "channel", channel, "error", err)
		return
	}

	h.channelMu.RLock()
	ids := make([]string, 0, len(h.channels[channel]))
	for id := range h.channels[channel] {
		ids = append(ids, id)
	}
	h.channelMu.RUnlock()

	// Snapshot connection pointers, then send outside the lock so a slow
	// write cannot stall register/unregister.
	h.mu.RLock()
	conns := make([]*connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := h.sendRaw(c, data); err != nil {
			slog.Warn("Dropping slow observer", "connection_id", c.id, "channel", channel, "error", err)
			c.conn.Close()
		}
	}
}

// ActiveConnections returns the observer count.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// subscriberCount is used by tests to poll instead of sleeping.
func (h *Hub) subscriberCount(channel string) int {
	h.channelMu.RLock()
	defer h.channelMu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) handleClientMessage(c *connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		h.subscribe(c, msg.Channel)
		h.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// A run that already sealed will never broadcast again; hand the
		// late observer its terminal event directly.
		if h.catchup != nil {
			if terminal, ok := h.catchup(msg.Channel); ok {
				if data, err := json.Marshal(terminal); err == nil {
					_ = h.sendRaw(c, data)
				}
			}
		}

	case "unsubscribe":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		h.unsubscribe(c, msg.Channel)

	case "ping":
		h.sendJSON(c, map[string]string{"type": "pong"})
	}
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	h.connections[c.id] = c
	h.mu.Unlock()
	slog.Debug("Observer connected", "connection_id", c.id)
}

func (h *Hub) unregister(c *connection) {
	h.channelMu.Lock()
	for channel := range c.subscriptions {
		delete(h.channels[channel], c.id)
		if len(h.channels[channel]) == 0 {
			delete(h.channels, channel)
		}
	}
	h.channelMu.Unlock()

	h.mu.Lock()
	delete(h.connections, c.id)
	h.mu.Unlock()
	slog.Debug("Observer disconnected", "connection_id", c.id)
}

func (h *Hub) subscribe(c *connection, channel string) {
	h.channelMu.Lock()
	if _, exists := h.channels[channel]; !exists {
		h.channels[channel] = make(map[string]bool)
	}
	h.channels[channel][c.id] = true
	h.channelMu.Unlock()
	c.subscriptions[channel] = true
}

func (h *Hub) unsubscribe(c *connection, channel string) {
	h.channelMu.Lock()
	delete(h.channels[channel], c.id)
	if len(h.channels[channel]) == 0 {
		delete(h.channels, channel)
	}
	h.channelMu.Unlock()
	delete(c.subscriptions, channel)
}

func (h *Hub) sendJSON(c *connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := h.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send to observer", "connection_id", c.id, "error", err)
	}
}

func (h *Hub) sendRaw(c *connection, data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if h.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

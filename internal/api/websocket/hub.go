// Package websocket streams router lifecycle events (deliveries, acks,
// failures, presence changes) to connected observers.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"teamrouter/internal/router"
)

// Hub fans router events out to every connected websocket client.
type Hub struct {
	sink     *router.ChannelSink
	log      *zap.Logger
	upgrader gws.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn    *gws.Conn
	writeMu sync.Mutex
}

func NewHub(sink *router.ChannelSink, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		sink: sink,
		log:  log,
		upgrader: gws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

// Start pumps sink events to clients until the context ends.
func (h *Hub) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-h.sink.C:
				h.broadcast(map[string]any{"type": "event", "data": event})
			}
		}
	}()
}

// ServeWS upgrades the connection and keeps it subscribed until the peer
// disconnects. Inbound frames are only used for ping.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn}
	h.register(c)
	defer h.unregister(c)
	defer conn.Close()

	_ = c.write(map[string]any{"type": "ack", "ok": true, "ref_id": "connected"})
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(b, &req); err != nil {
			_ = c.write(map[string]any{"type": "error", "message": "invalid JSON"})
			continue
		}
		switch req["type"] {
		case "ping":
			_ = c.write(map[string]any{"type": "pong"})
		default:
			_ = c.write(map[string]any{"type": "error", "message": "unsupported message type"})
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *Hub) broadcast(msg map[string]any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if err := c.write(msg); err != nil {
			h.log.Debug("websocket write failed", zap.Error(err))
		}
	}
}

func (c *client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// Sink returns the event channel feeding this hub.
func (h *Hub) Sink() *router.ChannelSink { return h.sink }

// Package ws fans normalized session events out to connected clients over
// WebSocket. Every client receives every event; filtering is client-side.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/agentdeck/agentdeck/internal/domain/event"
)

// conn wraps a single WebSocket connection.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
}

// Hub manages all active WebSocket connections and broadcasts events.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*conn]struct{})}
}

// HandleWS upgrades the request to a WebSocket connection and registers it
// with the hub until the peer disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: sock, cancel: cancel}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("websocket connected", "remote", r.RemoteAddr)

	// Read loop (to detect disconnects and consume pings)
	go func() {
		defer func() {
			h.remove(c)
			_ = sock.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			if _, _, err := sock.Read(ctx); err != nil {
				return
			}
		}
	}()
}

// BroadcastEvent sends one normalized event to all connected clients. The
// event envelope is the wire format; clients decode payload by type.
func (h *Hub) BroadcastEvent(ctx context.Context, ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal ws event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("websocket write failed", "error", err)
			go h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected")
	}
}

package hub

import (
	"log/slog"
	"sync"

	"chatwire-server/domain"
)

// Hub holds the set of live connections and fans events out to all of them.
// Rooms are advisory metadata on messages, not a routing key, so there is no
// per-room index: every broadcast reaches every live connection.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]domain.Connection
}

func New() *Hub {
	return &Hub{
		clients: make(map[string]domain.Connection),
	}
}

// Attach adds a connection to the fanout set.
func (h *Hub) Attach(conn domain.Connection) {
	h.mu.Lock()
	h.clients[conn.ID()] = conn
	count := len(h.clients)
	h.mu.Unlock()

	slog.Info("client connected", "clientId", conn.ID(), "clients", count)
}

// Detach removes a connection from the fanout set.
func (h *Hub) Detach(conn domain.Connection) {
	h.mu.Lock()
	_, ok := h.clients[conn.ID()]
	delete(h.clients, conn.ID())
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		slog.Info("client disconnected", "clientId", conn.ID(), "clients", count)
	}
}

// Broadcast delivers data to every live connection, including the one the
// triggering event arrived on. A connection that refuses the write is
// detached; the transport close path finishes the rest of its cleanup.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	conns := make([]domain.Connection, 0, len(h.clients))
	for _, conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Send(data); err != nil {
			go func(c domain.Connection) {
				h.Detach(c)
			}(conn)
		}
	}
}

// Clients returns the number of live connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

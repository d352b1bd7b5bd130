// Package protocol implements the realtime event protocol: presence
// announcements, message submission with the persist-then-fanout pipeline,
// and connection cleanup.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatwire-server/domain"
	"chatwire-server/presence"
	"chatwire-server/store"
)

// event is the wire envelope for client-to-server events. Fields beyond Type
// are populated per event type.
type event struct {
	Type          string `json:"type"`
	UserID        int64  `json:"userId,omitempty"`
	Username      string `json:"username,omitempty"`
	Content       string `json:"content,omitempty"`
	Room          string `json:"room,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

type receiveMessage struct {
	Type string `json:"type"`
	domain.Message
}

type messageAck struct {
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlationId,omitempty"`
	ID            int64     `json:"id"`
	CreatedAt     time.Time `json:"createdAt"`
}

type messageError struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlationId,omitempty"`
	Error         string `json:"error"`
}

type pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	ClientID  string `json:"clientId"`
}

// Handler routes inbound connection events. It resolves sender identity
// through the registry, persists submissions to the message log, and fans
// delivered messages out through the broadcaster.
type Handler struct {
	registry    domain.Registry
	broadcaster domain.Broadcaster
	log         domain.MessageLog
	directory   domain.UserDirectory
	notifier    *presence.Notifier
}

func NewHandler(registry domain.Registry, broadcaster domain.Broadcaster, log domain.MessageLog, directory domain.UserDirectory, notifier *presence.Notifier) *Handler {
	return &Handler{
		registry:    registry,
		broadcaster: broadcaster,
		log:         log,
		directory:   directory,
		notifier:    notifier,
	}
}

func (h *Handler) Handle(conn domain.Connection, data []byte) {
	var msg event
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid event payload", "clientId", conn.ID(), "error", err)
		return
	}

	switch msg.Type {
	case "user_online":
		h.handleOnline(conn, msg)
	case "send_message":
		h.handleSend(conn, msg)
	case "ping":
		h.sendEvent(conn, pong{Type: "pong", Timestamp: msg.Timestamp, ClientID: conn.ID()})
	default:
		slog.Warn("unknown event type", "clientId", conn.ID(), "type", msg.Type)
		h.sendError(conn, msg.CorrelationID, fmt.Sprintf("unknown event type %q", msg.Type))
	}
}

// handleOnline registers the connection's identity and publishes the new
// online set to everyone. The display name comes from the user directory;
// a directory miss falls back to the client-provided name so registration
// itself never fails.
func (h *Handler) handleOnline(conn domain.Connection, msg event) {
	if msg.UserID == 0 {
		h.sendError(conn, msg.CorrelationID, "user_online requires userId")
		return
	}

	username := msg.Username
	if name, err := h.directory.DisplayName(context.Background(), msg.UserID); err == nil {
		username = name
	} else if !errors.Is(err, store.ErrNotFound) {
		slog.Error("display name lookup failed", "userId", msg.UserID, "error", err)
	}
	if username == "" {
		username = fmt.Sprintf("user-%d", msg.UserID)
	}

	h.registry.Register(conn.ID(), domain.Identity{ID: msg.UserID, Username: username})
	h.notifier.Publish()

	if err := h.directory.SetOnline(context.Background(), msg.UserID, true); err != nil {
		slog.Error("online flag update failed", "userId", msg.UserID, "error", err)
	}
}

// handleSend runs the submit pipeline: resolve sender, persist, acknowledge
// to the sender, then broadcast to every live connection. A persistence
// failure stops the pipeline before any broadcast.
func (h *Handler) handleSend(conn domain.Connection, msg event) {
	sender, ok := h.registry.Identity(conn.ID())
	if !ok {
		slog.Warn("message from unannounced connection", "clientId", conn.ID())
		h.sendError(conn, msg.CorrelationID, "announce user_online before sending messages")
		return
	}
	if msg.Content == "" {
		h.sendError(conn, msg.CorrelationID, "message content is required")
		return
	}

	stored, err := h.log.Append(context.Background(), msg.Content, sender.ID, sender.Username, msg.Room)
	if err != nil {
		if errors.Is(err, store.ErrEmptyContent) {
			h.sendError(conn, msg.CorrelationID, "message content is required")
			return
		}
		slog.Error("message persist failed", "clientId", conn.ID(), "userId", sender.ID, "error", err)
		h.sendError(conn, msg.CorrelationID, "message could not be saved")
		return
	}

	h.sendEvent(conn, messageAck{
		Type:          "message_ack",
		CorrelationID: msg.CorrelationID,
		ID:            stored.ID,
		CreatedAt:     stored.CreatedAt,
	})

	broadcast, err := json.Marshal(receiveMessage{Type: "receive_message", Message: stored})
	if err != nil {
		slog.Error("broadcast marshal error", "messageId", stored.ID, "error", err)
		return
	}
	h.broadcaster.Broadcast(broadcast)

	slog.Debug("message delivered", "messageId", stored.ID, "room", stored.Room, "clients", h.broadcaster.Clients())
}

// Disconnect tears down a closed connection: fanout detach, registry
// cleanup, presence update, persisted last-seen stamp.
func (h *Handler) Disconnect(conn domain.Connection) {
	identity, announced := h.registry.Identity(conn.ID())

	h.broadcaster.Detach(conn)
	h.registry.Unregister(conn.ID())

	if !announced {
		return
	}
	h.notifier.Publish()

	if h.stillOnline(identity.ID) {
		return
	}
	if err := h.directory.SetOnline(context.Background(), identity.ID, false); err != nil {
		slog.Error("offline flag update failed", "userId", identity.ID, "error", err)
	}
}

// stillOnline reports whether the user keeps another live connection.
func (h *Handler) stillOnline(userID int64) bool {
	for _, identity := range h.registry.OnlineIdentities() {
		if identity.ID == userID {
			return true
		}
	}
	return false
}

// sendEvent marshals and delivers an event to a single connection. Errors
// are swallowed: a dead connection is cleaned up by its own close path.
func (h *Handler) sendEvent(conn domain.Connection, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("event marshal error", "clientId", conn.ID(), "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		slog.Debug("event send failed", "clientId", conn.ID(), "error", err)
	}
}

func (h *Handler) sendError(conn domain.Connection, correlationID, message string) {
	h.sendEvent(conn, messageError{Type: "message_error", CorrelationID: correlationID, Error: message})
}

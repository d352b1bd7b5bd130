package domain

import (
	"context"
	"time"
)

// DefaultRoom is the room assigned to messages that do not name one.
const DefaultRoom = "general"

// Identity is an externally verified user identity, referenced by value.
type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Message is a persisted chat entry. ID and CreatedAt are assigned by the
// message log at append time. Username is the sender's display name captured
// when the message was sent.
type Message struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	SenderID  int64     `json:"senderId"`
	Username  string    `json:"username"`
	Room      string    `json:"room"`
	CreatedAt time.Time `json:"createdAt"`
}

// Connection is one live transport session.
type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Registry tracks which identity, if any, each live connection announced.
// All operations are total: a registry is pure in-memory state and never
// fails.
type Registry interface {
	Register(connID string, identity Identity)
	Unregister(connID string)
	Identity(connID string) (Identity, bool)
	OnlineIdentities() []Identity
}

// Broadcaster fans events out to live connections.
type Broadcaster interface {
	Attach(conn Connection)
	Detach(conn Connection)
	Broadcast(data []byte)
	Clients() int
}

// MessageHandler processes inbound events from a connection and runs the
// cleanup when the connection's transport session ends.
type MessageHandler interface {
	Handle(conn Connection, data []byte)
	Disconnect(conn Connection)
}

// MessageLog is the durable append-only store of messages.
type MessageLog interface {
	Append(ctx context.Context, content string, senderID int64, senderUsername, room string) (Message, error)
	MessagesSince(ctx context.Context, sinceID int64) ([]Message, error)
}

// UserDirectory resolves user ids to display names and records the
// persisted online flag.
type UserDirectory interface {
	DisplayName(ctx context.Context, userID int64) (string, error)
	SetOnline(ctx context.Context, userID int64, online bool) error
}

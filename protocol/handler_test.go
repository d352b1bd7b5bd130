package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwire-server/domain"
	"chatwire-server/hub"
	"chatwire-server/presence"
	"chatwire-server/registry"
	"chatwire-server/store"
)

type mockConn struct {
	id   string
	sent [][]byte
	mu   sync.Mutex
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
	return nil
}

func (m *mockConn) Close() error { return nil }

// eventsOfType decodes every sent frame and returns those with the given
// type discriminator.
func (m *mockConn) eventsOfType(t *testing.T, eventType string) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []map[string]any
	for _, frame := range m.sent {
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(frame, &decoded))
		if decoded["type"] == eventType {
			matched = append(matched, decoded)
		}
	}
	return matched
}

type mockLog struct {
	mu       sync.Mutex
	messages []domain.Message
	nextID   int64
	err      error
}

func (m *mockLog) Append(_ context.Context, content string, senderID int64, senderUsername, room string) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.Message{}, m.err
	}
	if content == "" {
		return domain.Message{}, store.ErrEmptyContent
	}
	if room == "" {
		room = domain.DefaultRoom
	}
	m.nextID++
	msg := domain.Message{
		ID:        m.nextID,
		Content:   content,
		SenderID:  senderID,
		Username:  senderUsername,
		Room:      room,
		CreatedAt: time.Now(),
	}
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *mockLog) MessagesSince(_ context.Context, sinceID int64) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Message
	for _, msg := range m.messages {
		if msg.ID > sinceID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *mockLog) stored() []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages
}

type mockDirectory struct {
	mu      sync.Mutex
	names   map[int64]string
	online  map[int64]bool
	calls   []string
	nameErr error
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{names: map[int64]string{}, online: map[int64]bool{}}
}

func (m *mockDirectory) DisplayName(_ context.Context, userID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nameErr != nil {
		return "", m.nameErr
	}
	name, ok := m.names[userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return name, nil
}

func (m *mockDirectory) SetOnline(_ context.Context, userID int64, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[userID] = online
	m.calls = append(m.calls, fmt.Sprintf("%d:%v", userID, online))
	return nil
}

func (m *mockDirectory) onlineCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fixture struct {
	handler   *Handler
	registry  *registry.Registry
	hub       *hub.Hub
	log       *mockLog
	directory *mockDirectory
}

func newFixture() *fixture {
	reg := registry.New()
	h := hub.New()
	log := &mockLog{}
	directory := newMockDirectory()
	notifier := presence.NewNotifier(reg, h)
	return &fixture{
		handler:   NewHandler(reg, h, log, directory, notifier),
		registry:  reg,
		hub:       h,
		log:       log,
		directory: directory,
	}
}

func (f *fixture) connect(id string) *mockConn {
	conn := &mockConn{id: id}
	f.hub.Attach(conn)
	return conn
}

func (f *fixture) handle(t *testing.T, conn *mockConn, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.handler.Handle(conn, data)
}

func TestHandler_UserOnline(t *testing.T) {
	f := newFixture()
	f.directory.names[1] = "alice"
	a := f.connect("a")
	b := f.connect("b")

	f.handle(t, a, map[string]any{"type": "user_online", "userId": 1})

	online := f.registry.OnlineIdentities()
	require.Len(t, online, 1)
	assert.Equal(t, domain.Identity{ID: 1, Username: "alice"}, online[0])

	// Everyone, announced or not, receives the full online set.
	for _, conn := range []*mockConn{a, b} {
		updates := conn.eventsOfType(t, "online_users_update")
		require.Len(t, updates, 1, "conn %s", conn.ID())
		users := updates[0]["users"].([]any)
		require.Len(t, users, 1)
		user := users[0].(map[string]any)
		assert.Equal(t, float64(1), user["id"])
		assert.Equal(t, "alice", user["username"])
	}

	assert.Equal(t, []string{"1:true"}, f.directory.onlineCalls())
}

func TestHandler_UserOnlineNameFallback(t *testing.T) {
	tests := []struct {
		name     string
		payload  map[string]any
		dirNames map[int64]string
		want     string
	}{
		{
			name:     "directory wins over payload",
			payload:  map[string]any{"type": "user_online", "userId": 1, "username": "spoofed"},
			dirNames: map[int64]string{1: "alice"},
			want:     "alice",
		},
		{
			name:    "payload name on directory miss",
			payload: map[string]any{"type": "user_online", "userId": 7, "username": "guest"},
			want:    "guest",
		},
		{
			name:    "synthesized name when nothing is known",
			payload: map[string]any{"type": "user_online", "userId": 7},
			want:    "user-7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			for id, name := range tt.dirNames {
				f.directory.names[id] = name
			}
			conn := f.connect("a")

			f.handle(t, conn, tt.payload)

			online := f.registry.OnlineIdentities()
			require.Len(t, online, 1)
			assert.Equal(t, tt.want, online[0].Username)
		})
	}
}

func TestHandler_UserOnlineWithoutID(t *testing.T) {
	f := newFixture()
	conn := f.connect("a")

	f.handle(t, conn, map[string]any{"type": "user_online"})

	assert.Empty(t, f.registry.OnlineIdentities())
	require.Len(t, conn.eventsOfType(t, "message_error"), 1)
}

func TestHandler_SendMessage(t *testing.T) {
	f := newFixture()
	f.directory.names[1] = "alice"
	f.directory.names[2] = "bob"
	a := f.connect("a")
	b := f.connect("b")
	f.handle(t, a, map[string]any{"type": "user_online", "userId": 1})
	f.handle(t, b, map[string]any{"type": "user_online", "userId": 2})

	f.handle(t, a, map[string]any{
		"type": "send_message", "content": "hi", "room": "general", "correlationId": "req-1",
	})

	stored := f.log.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, int64(1), stored[0].ID)
	assert.Equal(t, int64(1), stored[0].SenderID)
	assert.Equal(t, "alice", stored[0].Username)

	// Both connections, the sender included, receive the delivery.
	for _, conn := range []*mockConn{a, b} {
		deliveries := conn.eventsOfType(t, "receive_message")
		require.Len(t, deliveries, 1, "conn %s", conn.ID())
		assert.Equal(t, float64(1), deliveries[0]["id"])
		assert.Equal(t, "hi", deliveries[0]["content"])
		assert.Equal(t, float64(1), deliveries[0]["senderId"])
		assert.Equal(t, "alice", deliveries[0]["username"])
		assert.Equal(t, "general", deliveries[0]["room"])
		assert.Contains(t, deliveries[0], "createdAt")
	}

	// The ack goes only to the originating connection.
	acks := a.eventsOfType(t, "message_ack")
	require.Len(t, acks, 1)
	assert.Equal(t, "req-1", acks[0]["correlationId"])
	assert.Equal(t, float64(1), acks[0]["id"])
	assert.Empty(t, b.eventsOfType(t, "message_ack"))
}

func TestHandler_SendMessageDefaultsRoom(t *testing.T) {
	f := newFixture()
	conn := f.connect("a")
	f.handle(t, conn, map[string]any{"type": "user_online", "userId": 1, "username": "alice"})

	f.handle(t, conn, map[string]any{"type": "send_message", "content": "hi"})

	stored := f.log.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, domain.DefaultRoom, stored[0].Room)

	deliveries := conn.eventsOfType(t, "receive_message")
	require.Len(t, deliveries, 1)
	assert.Equal(t, domain.DefaultRoom, deliveries[0]["room"])
}

func TestHandler_SendMessageIDsIncrease(t *testing.T) {
	f := newFixture()
	conn := f.connect("a")
	f.handle(t, conn, map[string]any{"type": "user_online", "userId": 1, "username": "alice"})

	f.handle(t, conn, map[string]any{"type": "send_message", "content": "one"})
	f.handle(t, conn, map[string]any{"type": "send_message", "content": "two"})

	stored := f.log.stored()
	require.Len(t, stored, 2)
	assert.Greater(t, stored[1].ID, stored[0].ID)

	deliveries := conn.eventsOfType(t, "receive_message")
	require.Len(t, deliveries, 2)
	assert.Equal(t, "one", deliveries[0]["content"])
	assert.Equal(t, "two", deliveries[1]["content"])
}

func TestHandler_SendMessageRejected(t *testing.T) {
	tests := []struct {
		name     string
		announce bool
		payload  map[string]any
	}{
		{
			name:     "empty content",
			announce: true,
			payload:  map[string]any{"type": "send_message", "content": "", "correlationId": "req-1"},
		},
		{
			name:     "unannounced connection",
			announce: false,
			payload:  map[string]any{"type": "send_message", "content": "hi", "correlationId": "req-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			sender := f.connect("a")
			other := f.connect("b")
			if tt.announce {
				f.handle(t, sender, map[string]any{"type": "user_online", "userId": 1, "username": "alice"})
			}

			f.handle(t, sender, tt.payload)

			assert.Empty(t, f.log.stored(), "nothing may be persisted")
			assert.Empty(t, sender.eventsOfType(t, "receive_message"))
			assert.Empty(t, other.eventsOfType(t, "receive_message"))

			errs := sender.eventsOfType(t, "message_error")
			require.Len(t, errs, 1)
			assert.Equal(t, "req-1", errs[0]["correlationId"])
			assert.Empty(t, other.eventsOfType(t, "message_error"))
		})
	}
}

func TestHandler_SendMessagePersistFailure(t *testing.T) {
	f := newFixture()
	f.log.err = errors.New("database is locked")
	sender := f.connect("a")
	other := f.connect("b")
	f.handle(t, sender, map[string]any{"type": "user_online", "userId": 1, "username": "alice"})

	f.handle(t, sender, map[string]any{"type": "send_message", "content": "hi", "correlationId": "req-9"})

	// No broadcast on persistence failure, error ack to the sender only.
	assert.Empty(t, sender.eventsOfType(t, "receive_message"))
	assert.Empty(t, other.eventsOfType(t, "receive_message"))

	errs := sender.eventsOfType(t, "message_error")
	require.Len(t, errs, 1)
	assert.Equal(t, "req-9", errs[0]["correlationId"])

	// A later history read sees nothing from the failed submit.
	messages, err := f.log.MessagesSince(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestHandler_PingPong(t *testing.T) {
	f := newFixture()
	conn := f.connect("a")

	f.handle(t, conn, map[string]any{"type": "ping", "timestamp": 12345})

	pongs := conn.eventsOfType(t, "pong")
	require.Len(t, pongs, 1)
	assert.Equal(t, float64(12345), pongs[0]["timestamp"])
	assert.Equal(t, "a", pongs[0]["clientId"])
	assert.Empty(t, f.log.stored())
}

func TestHandler_InvalidJSON(t *testing.T) {
	f := newFixture()
	conn := f.connect("a")

	f.handler.Handle(conn, []byte("not json"))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Empty(t, conn.sent)
	assert.Empty(t, f.log.stored())
}

func TestHandler_UnknownEventType(t *testing.T) {
	f := newFixture()
	conn := f.connect("a")

	f.handle(t, conn, map[string]any{"type": "typing_indicator"})

	require.Len(t, conn.eventsOfType(t, "message_error"), 1)
	assert.Empty(t, f.log.stored())
}

func TestHandler_Disconnect(t *testing.T) {
	f := newFixture()
	a := f.connect("a")
	b := f.connect("b")
	f.handle(t, a, map[string]any{"type": "user_online", "userId": 1, "username": "alice"})
	f.handle(t, b, map[string]any{"type": "user_online", "userId": 2, "username": "bob"})

	f.handler.Disconnect(b)

	online := f.registry.OnlineIdentities()
	require.Len(t, online, 1)
	assert.Equal(t, int64(1), online[0].ID)

	// The remaining connection sees the shrunken set; three updates total:
	// two announces plus the disconnect.
	updates := a.eventsOfType(t, "online_users_update")
	require.Len(t, updates, 3)
	last := updates[2]["users"].([]any)
	require.Len(t, last, 1)
	assert.Equal(t, float64(1), last[0].(map[string]any)["id"])

	assert.Contains(t, f.directory.onlineCalls(), "2:false")
}

func TestHandler_DisconnectKeepsUserWithSecondConnection(t *testing.T) {
	f := newFixture()
	first := f.connect("a")
	second := f.connect("b")
	f.handle(t, first, map[string]any{"type": "user_online", "userId": 1, "username": "alice"})
	f.handle(t, second, map[string]any{"type": "user_online", "userId": 1, "username": "alice"})

	f.handler.Disconnect(first)

	online := f.registry.OnlineIdentities()
	require.Len(t, online, 1)
	assert.Equal(t, int64(1), online[0].ID)

	// User still holds a live connection, so the persisted flag stays on.
	assert.NotContains(t, f.directory.onlineCalls(), "1:false")

	f.handler.Disconnect(second)
	assert.Empty(t, f.registry.OnlineIdentities())
	assert.Contains(t, f.directory.onlineCalls(), "1:false")
}

func TestHandler_DisconnectUnannouncedConnection(t *testing.T) {
	f := newFixture()
	a := f.connect("a")
	b := f.connect("b")

	f.handler.Disconnect(a)

	// No identity was ever announced: no presence churn, registry untouched.
	assert.Empty(t, b.eventsOfType(t, "online_users_update"))
	assert.Equal(t, 1, f.hub.Clients())
	assert.Empty(t, f.directory.onlineCalls())
}

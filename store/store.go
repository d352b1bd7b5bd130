// Package store persists users and the append-only message log in SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chatwire-server/domain"
)

var (
	// ErrEmptyContent is returned when a message append carries no content.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrNotFound is returned when a user cannot be found.
	ErrNotFound = errors.New("user not found")
	// ErrUserExists is returned when a registration collides with an
	// existing email or username.
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidCredentials is returned when password authentication fails.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Store wraps the SQLite database behind the message log and user lookups.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&User{}, &Message{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Append writes a message to the log and returns it with the assigned id and
// creation timestamp. Empty or whitespace-only content is rejected; an
// empty room falls back to the default room.
func (s *Store) Append(ctx context.Context, content string, senderID int64, senderUsername, room string) (domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, ErrEmptyContent
	}
	if room == "" {
		room = domain.DefaultRoom
	}

	msg := Message{
		Content:        content,
		SenderID:       senderID,
		SenderUsername: senderUsername,
		Room:           room,
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return domain.Message{}, fmt.Errorf("failed to append message: %w", err)
	}

	return domain.Message{
		ID:        msg.ID,
		Content:   msg.Content,
		SenderID:  msg.SenderID,
		Username:  msg.SenderUsername,
		Room:      msg.Room,
		CreatedAt: msg.CreatedAt,
	}, nil
}

// MessagesSince returns all messages with id greater than sinceID in
// ascending id order. Each is joined with the sender's current username when
// the sender still exists, falling back to the name captured at send time.
func (s *Store) MessagesSince(ctx context.Context, sinceID int64) ([]domain.Message, error) {
	var rows []Message
	if err := s.db.WithContext(ctx).
		Where("id > ?", sinceID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	usernames, err := s.usernamesFor(ctx, rows)
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(rows))
	for _, row := range rows {
		username := row.SenderUsername
		if current, ok := usernames[row.SenderID]; ok {
			username = current
		}
		messages = append(messages, domain.Message{
			ID:        row.ID,
			Content:   row.Content,
			SenderID:  row.SenderID,
			Username:  username,
			Room:      row.Room,
			CreatedAt: row.CreatedAt,
		})
	}
	return messages, nil
}

func (s *Store) usernamesFor(ctx context.Context, rows []Message) (map[int64]string, error) {
	ids := make([]int64, 0, len(rows))
	seen := make(map[int64]bool, len(rows))
	for _, row := range rows {
		if !seen[row.SenderID] {
			seen[row.SenderID] = true
			ids = append(ids, row.SenderID)
		}
	}
	if len(ids) == 0 {
		return map[int64]string{}, nil
	}

	var users []User
	if err := s.db.WithContext(ctx).
		Select("id", "username").
		Where("id IN ?", ids).
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to load senders: %w", err)
	}

	usernames := make(map[int64]string, len(users))
	for _, u := range users {
		usernames[u.ID] = u.Username
	}
	return usernames, nil
}

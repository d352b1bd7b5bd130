package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const bcryptCost = 12

// CreateUser registers a local account with a bcrypt-hashed password.
func (s *Store) CreateUser(ctx context.Context, username, email, password string) (*User, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).
		Where("email = ? OR username = ?", email, username).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}
	if count > 0 {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := User{
		Username: username,
		Email:    email,
		Password: string(hash),
		Avatar:   "default-avatar.png",
		LastSeen: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &user, nil
}

// UserByID loads a user by primary key.
func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

// UserByLogin loads a user by email or username.
func (s *Store) UserByLogin(ctx context.Context, login string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Where("email = ? OR username = ?", login, login).
		First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

// Authenticate verifies a password login. Accounts created through OAuth
// have no password and always fail password authentication.
func (s *Store) Authenticate(ctx context.Context, login, password string) (*User, error) {
	user, err := s.UserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.Password == "" {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// FindOrCreateGoogleUser resolves a Google account to a local user, linking
// by google id first, then by email, creating a passwordless account
// otherwise.
func (s *Store) FindOrCreateGoogleUser(ctx context.Context, googleID, email, name, avatar string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, "google_id = ?", googleID).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up google user: %w", err)
	}

	// Link an existing local account with the same email.
	err = s.db.WithContext(ctx).First(&user, "email = ?", email).Error
	if err == nil {
		user.GoogleID = &googleID
		if avatar != "" {
			user.Avatar = avatar
		}
		if err := s.db.WithContext(ctx).Save(&user).Error; err != nil {
			return nil, fmt.Errorf("failed to link google account: %w", err)
		}
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up user by email: %w", err)
	}

	if avatar == "" {
		avatar = "default-avatar.png"
	}
	user = User{
		Username: s.uniqueUsername(ctx, name, email),
		Email:    email,
		GoogleID: &googleID,
		Avatar:   avatar,
		LastSeen: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, fmt.Errorf("failed to create google user: %w", err)
	}
	return &user, nil
}

// uniqueUsername derives a free username from the Google profile name,
// falling back to the email local part, suffixing a counter on collisions.
func (s *Store) uniqueUsername(ctx context.Context, name, email string) string {
	base := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", ""))
	if base == "" {
		base, _, _ = strings.Cut(email, "@")
		base = strings.ToLower(base)
	}
	if len(base) > 16 {
		base = base[:16]
	}

	candidate := base
	for i := 1; ; i++ {
		var count int64
		if err := s.db.WithContext(ctx).Model(&User{}).
			Where("username = ?", candidate).
			Count(&count).Error; err != nil || count == 0 {
			return candidate
		}
		candidate = fmt.Sprintf("%s%d", base, i)
	}
}

// DisplayName resolves a user id to its current username.
func (s *Store) DisplayName(ctx context.Context, userID int64) (string, error) {
	user, err := s.UserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.Username, nil
}

// SetOnline records the persisted online flag, stamping last seen when the
// user goes offline.
func (s *Store) SetOnline(ctx context.Context, userID int64, online bool) error {
	updates := map[string]any{"is_online": online}
	if !online {
		updates["last_seen"] = time.Now()
	}
	if err := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update online flag: %w", err)
	}
	return nil
}

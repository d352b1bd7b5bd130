package store

import "time"

// User is a registered account. Password holds a bcrypt hash and is empty
// for accounts created through Google OAuth.
type User struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string    `gorm:"size:20;uniqueIndex;not null" json:"username"`
	Email     string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Password  string    `gorm:"size:100" json:"-"`
	GoogleID  *string   `gorm:"uniqueIndex" json:"-"`
	Avatar    string    `gorm:"size:255;default:default-avatar.png" json:"avatar"`
	IsOnline  bool      `json:"isOnline"`
	LastSeen  time.Time `json:"lastSeen"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (User) TableName() string {
	return "users"
}

// Message is a stored chat entry. SenderUsername is the denormalized display
// name captured at send time so history renders even if the sender row is
// later renamed or removed.
type Message struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	Content        string    `gorm:"type:text;not null"`
	SenderID       int64     `gorm:"not null;index"`
	SenderUsername string    `gorm:"size:20;not null"`
	Room           string    `gorm:"size:100;not null"`
	CreatedAt      time.Time
}

func (Message) TableName() string {
	return "messages"
}

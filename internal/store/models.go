package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is a registered chat user. Display names for connecting sessions are
// resolved from Username.
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Username  string    `gorm:"size:64;not null" json:"username"`
	Phone     string    `gorm:"size:32;uniqueIndex" json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// Conversation is one delivered chat message.
type Conversation struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Room      string    `gorm:"size:128;index;not null" json:"room"`
	Sender    string    `gorm:"size:64;not null" json:"sender"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (c *Conversation) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

package domain

import "time"

// Recipient represents a user who receives player notifications.
// Account management lives outside this service; only the fields the
// notification engine reads are modeled here.
type Recipient struct {
	ID                   string    `json:"id"`
	Email                string    `json:"email"`
	NotificationsEnabled bool      `json:"notifications_enabled"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Subscription links a recipient to a monitored player.
type Subscription struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	PlayerKey   string    `json:"player_key"` // player username, lowercase
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

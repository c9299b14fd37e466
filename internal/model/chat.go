package model

import "time"

type Chat struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// ChatParticipant is one (chat, user) membership row. A participant who
// left keeps the row with IsActive=false so message history survives.
type ChatParticipant struct {
	ChatID   string     `json:"chat_id"`
	UserID   string     `json:"user_id"`
	IsActive bool       `json:"is_active"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// ChatSummary is a chat annotated for one viewer: the counterpart's public
// profile, the most recent message and the viewer's unread count.
type ChatSummary struct {
	Chat        `json:"chat"`
	Counterpart *UserProfile `json:"counterpart,omitempty"`
	LastMessage *Message     `json:"last_message,omitempty"`
	UnreadCount int          `json:"unread_count"`
}

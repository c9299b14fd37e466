package model

import "time"

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chat_id"`
	SenderID  string      `json:"sender_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	ImageURL  string      `json:"image_url,omitempty"`
	IsRead    bool        `json:"is_read"`
	IsEdited  bool        `json:"is_edited"`
	IsDeleted bool        `json:"is_deleted"`
	ReplyToID *string     `json:"reply_to_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// MessagePage is one page of chat history in chronological order.
// Cursor points at the oldest returned message; pass it as `before` to
// fetch the preceding page.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"has_more"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

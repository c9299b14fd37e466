package ws

import (
	"time"

	"github.com/dmcore/internal/model"
)

type EventType string

// Incoming event types (client -> gateway).
const (
	EventJoinUserRoom EventType = "join_user_room"
	EventJoinChat     EventType = "join_chat"
	EventLeaveChat    EventType = "leave_chat"
	EventSendMessage  EventType = "send_message"
	EventTyping       EventType = "typing"
	EventUserOnline   EventType = "user_online"
)

// Outgoing event types (gateway -> clients).
const (
	EventNewMessage       EventType = "new_message"
	EventUserTyping       EventType = "user_typing"
	EventUserStatus       EventType = "user_status"
	EventUnreadInvalidate EventType = "unread_invalidate"
	EventError            EventType = "error"
)

// IncomingEvent is the tagged union a client sends over the socket. Type
// selects which fields are meaningful; the hub switch is exhaustive and
// unknown tags get an error event back.
type IncomingEvent struct {
	Type   EventType `json:"type"`
	UserID string    `json:"user_id,omitempty"`
	ChatID string    `json:"chat_id,omitempty"`

	// send_message: the message as persisted by the REST call, echoed for
	// low-latency fan-out. The gateway never writes it anywhere.
	Message    *model.Message `json:"message,omitempty"`
	SenderName string         `json:"sender_name,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`

	// typing
	IsTyping bool `json:"is_typing,omitempty"`
}

// OutgoingEvent is what the gateway sends to clients. Payload uses typed
// structs to avoid heap-heavy map[string]any.
type OutgoingEvent struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// NewMessagePayload carries the live echo of a persisted message. EventID
// is a server-assigned ephemeral id for the socket event itself; clients
// deduplicate by Message.ID, which both delivery paths share.
type NewMessagePayload struct {
	EventID    string         `json:"event_id"`
	ChatID     string         `json:"chat_id"`
	Message    *model.Message `json:"message"`
	SenderName string         `json:"sender_name,omitempty"`
}

// TypingPayload relays a level-triggered typing signal. Last write wins
// per (chat, user); no delivery guarantee.
type TypingPayload struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// UserStatusPayload is broadcast for online/offline transitions.
type UserStatusPayload struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// UnreadInvalidatePayload tells a client its unread badge is stale.
type UnreadInvalidatePayload struct {
	ChatID string `json:"chat_id"`
}

// ErrorPayload reports a rejected or malformed event.
type ErrorPayload struct {
	Message string `json:"message"`
}

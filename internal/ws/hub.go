package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmcore/internal/logger"
)

// presenceTTL bounds how long a presence key outlives an unclean
// disconnect that never reached SetOffline.
const presenceTTL = time.Hour

// UserRoom is the per-user notification room name.
func UserRoom(userID string) string { return "user-" + userID }

// ChatRoom is the per-chat live-event room name.
func ChatRoom(chatID string) string { return "chat-" + chatID }

// Roster answers chat-membership questions. Backed by the chat repository.
type Roster interface {
	IsActiveParticipant(ctx context.Context, chatID, userID string) (bool, error)
	ActiveParticipantIDs(ctx context.Context, chatID string) ([]string, error)
}

// BadgeInvalidator drops a user's cached unread badge. Nil disables it.
type BadgeInvalidator interface {
	Invalidate(ctx context.Context, userID string)
}

// Presence records online state. Nil disables it.
type Presence interface {
	SetOnline(ctx context.Context, userID string, ttl time.Duration) error
	SetOffline(ctx context.Context, userID string) error
}

// Hub is the connection gateway: it maps sockets to users and rooms and
// fans events out. It is not authoritative for persistence; the only
// durable write path is REST. Single-process only: fanning out across
// nodes would need an external pub/sub adapter in front of the room table.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	users map[string]map[*Client]struct{}
	total int

	maxConns int
	roster   Roster
	badges   BadgeInvalidator
	presence Presence

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(roster Roster, badges BadgeInvalidator, presence Presence, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		users:      make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		roster:     roster,
		badges:     badges,
		presence:   presence,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.users {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.users = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.users[c.userID]; !ok {
		h.users[c.userID] = make(map[*Client]struct{})
	}
	h.users[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	if h.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.SetOnline(ctx, c.userID, presenceTTL); err != nil {
			logger.Errorf("ws set online user=%s: %v", c.userID, err)
		}
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.users[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.users, c.userID)
	}
	// Room membership does not survive the connection.
	for room := range c.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if lastClient {
		if h.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.presence.SetOffline(ctx, c.userID); err != nil {
				logger.Errorf("ws set offline user=%s: %v", c.userID, err)
			}
		}
		// Offline fires only when the user's last connection goes away, so
		// status consumers see symmetric online/offline transitions.
		h.BroadcastAll(OutgoingEvent{
			Type:    EventUserStatus,
			Payload: UserStatusPayload{UserID: c.userID, Status: "offline"},
		})
	}
}

// HandleEvent dispatches one incoming socket event. The switch is
// exhaustive over the incoming tags; unknown tags get an error event.
func (h *Hub) HandleEvent(ctx context.Context, c *Client, ev IncomingEvent) {
	switch ev.Type {
	case EventJoinUserRoom:
		h.handleJoinUserRoom(c, ev)
	case EventJoinChat:
		h.handleJoinChat(ctx, c, ev)
	case EventLeaveChat:
		h.handleLeaveChat(c, ev)
	case EventSendMessage:
		h.handleSendMessage(ctx, c, ev)
	case EventTyping:
		h.handleTyping(ctx, c, ev)
	case EventUserOnline:
		h.handleUserOnline(ctx, c, ev)
	default:
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: "unknown event type"}})
	}
}

// handleJoinUserRoom admits a connection to its own notification room.
// The requested id must match the authenticated identity; the room name
// alone is not trusted.
func (h *Hub) handleJoinUserRoom(c *Client, ev IncomingEvent) {
	if ev.UserID == "" || ev.UserID != c.userID {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: "user room does not match session"}})
		return
	}
	h.joinRoom(c, UserRoom(ev.UserID))
}

// handleJoinChat verifies active participation before admitting the
// connection to the chat room.
func (h *Hub) handleJoinChat(ctx context.Context, c *Client, ev IncomingEvent) {
	if ev.ChatID == "" {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: "chat_id required"}})
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ok, err := h.roster.IsActiveParticipant(ctx, ev.ChatID, c.userID)
	if err != nil {
		logger.Errorf("ws join chat=%s user=%s: %v", ev.ChatID, c.userID, err)
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: "internal error"}})
		return
	}
	if !ok {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: "not a participant"}})
		return
	}
	h.joinRoom(c, ChatRoom(ev.ChatID))
}

func (h *Hub) handleLeaveChat(c *Client, ev IncomingEvent) {
	if ev.ChatID == "" {
		return
	}
	h.leaveRoom(c, ChatRoom(ev.ChatID))
}

// handleSendMessage re-broadcasts a message that REST already persisted.
// Notification-only: nothing is written here. The broadcast carries a
// server-assigned ephemeral event id; receivers deduplicate by the
// message's own id, shared with the REST response.
func (h *Hub) handleSendMessage(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	if ev.ChatID == "" || ev.Message == nil {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: "chat_id and message required"}})
		return
	}
	if ev.Message.SenderID != c.userID {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: "sender does not match session"}})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ok, err := h.roster.IsActiveParticipant(ctx, ev.ChatID, c.userID)
	if err != nil {
		logger.Errorf("ws check membership chat=%s user=%s: %v", ev.ChatID, c.userID, err)
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: "internal error"}})
		return
	}
	if !ok {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: "not a participant"}})
		return
	}

	h.broadcastToRoom(ChatRoom(ev.ChatID), OutgoingEvent{
		Type: EventNewMessage,
		Payload: NewMessagePayload{
			EventID:    uuid.New().String(),
			ChatID:     ev.ChatID,
			Message:    ev.Message,
			SenderName: ev.SenderName,
		},
	}, nil)

	// Badge invalidation for everyone but the sender; connected
	// recipients also get a nudge in their user room.
	participants, err := h.roster.ActiveParticipantIDs(ctx, ev.ChatID)
	if err != nil {
		logger.Errorf("ws participants chat=%s: %v", ev.ChatID, err)
		return
	}
	for _, uid := range participants {
		if uid == c.userID {
			continue
		}
		if h.badges != nil {
			h.badges.Invalidate(ctx, uid)
		}
		h.broadcastToRoom(UserRoom(uid), OutgoingEvent{
			Type:    EventUnreadInvalidate,
			Payload: UnreadInvalidatePayload{ChatID: ev.ChatID},
		}, nil)
	}
}

// handleTyping relays a typing level signal to every other socket in the
// chat room. No persistence, no ordering beyond last-write-wins.
func (h *Hub) handleTyping(ctx context.Context, c *Client, ev IncomingEvent) {
	if ev.ChatID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ok, err := h.roster.IsActiveParticipant(ctx, ev.ChatID, c.userID)
	if err != nil {
		logger.Errorf("ws typing chat=%s user=%s: %v", ev.ChatID, c.userID, err)
		return
	}
	if !ok {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: "not a participant"}})
		return
	}
	h.broadcastToRoom(ChatRoom(ev.ChatID), OutgoingEvent{
		Type: EventUserTyping,
		Payload: TypingPayload{
			ChatID:   ev.ChatID,
			UserID:   c.userID,
			IsTyping: ev.IsTyping,
		},
	}, c)
}

// handleUserOnline refreshes presence and announces the user to all
// connected sockets.
func (h *Hub) handleUserOnline(ctx context.Context, c *Client, ev IncomingEvent) {
	if ev.UserID != "" && ev.UserID != c.userID {
		h.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: "user does not match session"}})
		return
	}
	if h.presence != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := h.presence.SetOnline(ctx, c.userID, presenceTTL); err != nil {
			logger.Errorf("ws presence user=%s: %v", c.userID, err)
		}
	}
	h.BroadcastAll(OutgoingEvent{
		Type:    EventUserStatus,
		Payload: UserStatusPayload{UserID: c.userID, Status: "online"},
	})
}

func (h *Hub) joinRoom(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveRoom(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// UserConnected reports whether the user has at least one open socket.
// The REST layer uses this to decide on push delivery.
func (h *Hub) UserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// NotifyUser delivers an event to all sockets in the user's room.
func (h *Hub) NotifyUser(userID string, ev OutgoingEvent) {
	h.broadcastToRoom(UserRoom(userID), ev, nil)
}

// NotifyChat delivers an event to all sockets in the chat's room.
func (h *Hub) NotifyChat(chatID string, ev OutgoingEvent) {
	h.broadcastToRoom(ChatRoom(chatID), ev, nil)
}

// BroadcastAll delivers an event to every connected socket.
func (h *Hub) BroadcastAll(ev OutgoingEvent) {
	h.mu.RLock()
	targets := make([]*Client, 0, h.total)
	for _, clients := range h.users {
		for c := range clients {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

// broadcastToRoom fans an event out to every socket in a room, optionally
// excluding one connection (the emitter). Multiple tabs of the same user
// each get their own copy.
func (h *Hub) broadcastToRoom(room string, ev OutgoingEvent, except *Client) {
	h.mu.RLock()
	members, ok := h.rooms[room]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(members))
	for c := range members {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

func (h *Hub) sendToClient(c *Client, ev OutgoingEvent) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close the slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

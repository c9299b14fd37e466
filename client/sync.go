package client

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/dmcore/internal/logger"
	"github.com/dmcore/internal/model"
	"github.com/dmcore/internal/ws"
)

const historyPageSize = 50

// EventSender abstracts the socket for the Synchronizer (fakeable in tests).
type EventSender interface {
	Send(ev ws.IncomingEvent) error
}

// Callbacks are how the UI observes state changes. All are optional and
// invoked with the Synchronizer's lock released.
type Callbacks struct {
	OnChats  func()                          // chat list or previews changed
	OnThread func(chatID string)             // open conversation changed
	OnUnread func(total int)                 // global badge changed
	OnTyping func(chatID, userID string, active bool)
	OnStatus func(userID, status string)
}

// Synchronizer reconciles the two delivery paths (REST and socket) into
// one consistent view: a chat list with previews, the open conversation
// and the global unread badge. Messages are deduplicated by message id,
// which the REST response and the socket echo share.
type Synchronizer struct {
	rest   *REST
	sender EventSender
	userID string
	cb     Callbacks

	mu         sync.Mutex
	chats      map[string]*model.ChatSummary
	openChatID string
	thread     []model.Message
	threadIDs  map[string]struct{}
	nextCursor string
	hasMore    bool
	unread     int
}

func NewSynchronizer(rest *REST, sender EventSender, userID string, cb Callbacks) *Synchronizer {
	return &Synchronizer{
		rest:      rest,
		sender:    sender,
		userID:    userID,
		cb:        cb,
		chats:     make(map[string]*model.ChatSummary),
		threadIDs: make(map[string]struct{}),
	}
}

// Load performs the initial sync: chat list and unread badge.
func (s *Synchronizer) Load(ctx context.Context) error {
	chats, err := s.rest.Chats(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.chats = make(map[string]*model.ChatSummary, len(chats))
	for i := range chats {
		c := chats[i]
		s.chats[c.ID] = &c
	}
	s.mu.Unlock()
	s.notifyChats()
	return s.RefreshUnread(ctx)
}

// OnConnect re-establishes room membership after every (re)connect:
// the user room first, then the open conversation's room.
func (s *Synchronizer) OnConnect() {
	if err := s.sender.Send(ws.IncomingEvent{Type: ws.EventJoinUserRoom, UserID: s.userID}); err != nil {
		logger.Errorf("sync join user room: %v", err)
	}
	s.mu.Lock()
	open := s.openChatID
	s.mu.Unlock()
	if open != "" {
		if err := s.sender.Send(ws.IncomingEvent{Type: ws.EventJoinChat, ChatID: open}); err != nil {
			logger.Errorf("sync join chat: %v", err)
		}
	}
}

// SortedChats returns the chat list ordered by last activity, newest
// first. Sorting happens on read; new_message only updates previews.
func (s *Synchronizer) SortedChats() []model.ChatSummary {
	s.mu.Lock()
	out := make([]model.ChatSummary, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, *c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// Unread returns the last known global badge value.
func (s *Synchronizer) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Thread returns a copy of the open conversation, oldest first.
func (s *Synchronizer) Thread() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.thread))
	copy(out, s.thread)
	return out
}

// OpenChat switches the open conversation: loads the newest history page,
// joins the chat room, marks the chat read and only then refreshes the
// badge, so the refreshed value already reflects the flush.
func (s *Synchronizer) OpenChat(ctx context.Context, chatID string) error {
	page, err := s.rest.Messages(ctx, chatID, historyPageSize, "")
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.openChatID = chatID
	s.thread = page.Messages
	s.threadIDs = make(map[string]struct{}, len(page.Messages))
	for i := range page.Messages {
		s.threadIDs[page.Messages[i].ID] = struct{}{}
	}
	s.nextCursor = page.NextCursor
	s.hasMore = page.HasMore
	if c, ok := s.chats[chatID]; ok {
		c.UnreadCount = 0
	}
	s.mu.Unlock()

	if err := s.sender.Send(ws.IncomingEvent{Type: ws.EventJoinChat, ChatID: chatID}); err != nil {
		logger.Errorf("sync join chat: %v", err)
	}
	s.notifyThread(chatID)
	s.notifyChats()

	if err := s.rest.MarkRead(ctx, chatID); err != nil {
		return err
	}
	return s.RefreshUnread(ctx)
}

// CloseChat leaves the conversation view (and its room).
func (s *Synchronizer) CloseChat() {
	s.mu.Lock()
	open := s.openChatID
	s.openChatID = ""
	s.thread = nil
	s.threadIDs = make(map[string]struct{})
	s.nextCursor = ""
	s.hasMore = false
	s.mu.Unlock()
	if open != "" {
		if err := s.sender.Send(ws.IncomingEvent{Type: ws.EventLeaveChat, ChatID: open}); err != nil {
			logger.Errorf("sync leave chat: %v", err)
		}
	}
}

// LoadOlder prepends the previous history page of the open conversation.
func (s *Synchronizer) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	chatID, cursor, more := s.openChatID, s.nextCursor, s.hasMore
	s.mu.Unlock()
	if chatID == "" || !more {
		return nil
	}

	page, err := s.rest.Messages(ctx, chatID, historyPageSize, cursor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.openChatID == chatID {
		fresh := make([]model.Message, 0, len(page.Messages))
		for i := range page.Messages {
			if _, dup := s.threadIDs[page.Messages[i].ID]; dup {
				continue
			}
			s.threadIDs[page.Messages[i].ID] = struct{}{}
			fresh = append(fresh, page.Messages[i])
		}
		s.thread = append(fresh, s.thread...)
		s.nextCursor = page.NextCursor
		s.hasMore = page.HasMore
	}
	s.mu.Unlock()
	s.notifyThread(chatID)
	return nil
}

// Send persists the message over REST, applies it locally, then echoes it
// over the socket for low-latency delivery to the counterpart. The socket
// echo of our own message comes back and is dropped by the id dedup.
func (s *Synchronizer) Send(ctx context.Context, chatID, content string) (*model.Message, error) {
	msg, err := s.rest.SendMessage(ctx, chatID, content, "", "")
	if err != nil {
		return nil, err
	}
	s.applyMessage(chatID, msg)
	if err := s.sender.Send(ws.IncomingEvent{
		Type:      ws.EventSendMessage,
		ChatID:    chatID,
		Message:   msg,
		Timestamp: time.Now(),
	}); err != nil {
		// Already persisted; the counterpart catches up via unread_invalidate
		// or their next history fetch.
		logger.Errorf("sync send echo: %v", err)
	}
	return msg, nil
}

// RefreshUnread re-reads the global badge.
func (s *Synchronizer) RefreshUnread(ctx context.Context) error {
	n, err := s.rest.UnreadCount(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	changed := s.unread != n
	s.unread = n
	s.mu.Unlock()
	if changed && s.cb.OnUnread != nil {
		s.cb.OnUnread(n)
	}
	return nil
}

// Resume is called on focus regain: the socket may have been throttled or
// dead in the background, so the authoritative state is re-fetched.
func (s *Synchronizer) Resume(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	open := s.openChatID
	s.mu.Unlock()
	if open != "" {
		return s.OpenChat(ctx, open)
	}
	return nil
}

// HandleFrame dispatches one raw socket frame.
func (s *Synchronizer) HandleFrame(raw []byte) {
	var ev struct {
		Type    ws.EventType    `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		logger.Errorf("sync frame unmarshal: %v", err)
		return
	}

	switch ev.Type {
	case ws.EventNewMessage:
		var p ws.NewMessagePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Message == nil {
			return
		}
		s.applyMessage(p.ChatID, p.Message)
	case ws.EventUserTyping:
		var p ws.TypingPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		if s.cb.OnTyping != nil {
			s.cb.OnTyping(p.ChatID, p.UserID, p.IsTyping)
		}
	case ws.EventUserStatus:
		var p ws.UserStatusPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		if s.cb.OnStatus != nil {
			s.cb.OnStatus(p.UserID, p.Status)
		}
	case ws.EventUnreadInvalidate:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
			defer cancel()
			if err := s.RefreshUnread(ctx); err != nil {
				logger.Errorf("sync unread refresh: %v", err)
			}
		}()
	case ws.EventError:
		var p ws.ErrorPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			logger.Errorf("sync server error event: %s", p.Message)
		}
	default:
		// Unknown outgoing type: a newer server. Ignore.
	}
}

// applyMessage merges one message (from either delivery path) into the
// open conversation and the chat-list preview. Duplicate ids are dropped.
func (s *Synchronizer) applyMessage(chatID string, msg *model.Message) {
	s.mu.Lock()
	openChanged := false
	if s.openChatID == chatID {
		if _, dup := s.threadIDs[msg.ID]; !dup {
			s.threadIDs[msg.ID] = struct{}{}
			s.thread = append(s.thread, *msg)
			openChanged = true
		}
	}

	chatsChanged := false
	if c, ok := s.chats[chatID]; ok {
		if c.LastMessage == nil || c.LastMessage.ID != msg.ID {
			c.LastMessage = msg
			if msg.CreatedAt.After(c.LastMessageAt) {
				c.LastMessageAt = msg.CreatedAt
			}
			if msg.SenderID != s.userID && s.openChatID != chatID {
				c.UnreadCount++
			}
			chatsChanged = true
		}
	}
	open := s.openChatID
	s.mu.Unlock()

	if openChanged {
		s.notifyThread(chatID)
	}
	if chatsChanged {
		s.notifyChats()
	}

	// A foreign message in another chat moves the global badge.
	if msg.SenderID != s.userID && open != chatID {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
			defer cancel()
			if err := s.RefreshUnread(ctx); err != nil {
				logger.Errorf("sync unread refresh: %v", err)
			}
		}()
	}
}

func (s *Synchronizer) notifyChats() {
	if s.cb.OnChats != nil {
		s.cb.OnChats()
	}
}

func (s *Synchronizer) notifyThread(chatID string) {
	if s.cb.OnThread != nil {
		s.cb.OnThread(chatID)
	}
}

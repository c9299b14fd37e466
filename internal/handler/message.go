package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dmcore/internal/directory"
	"github.com/dmcore/internal/logger"
	"github.com/dmcore/internal/middleware"
	"github.com/dmcore/internal/model"
	"github.com/dmcore/internal/push"
	"github.com/dmcore/internal/repository"
	"github.com/dmcore/internal/unread"
	"github.com/dmcore/internal/ws"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
	maxContentLen    = 4096
)

type MessageHandler struct {
	chatRepo *repository.ChatRepository
	msgRepo  *repository.MessageRepository
	dir      *directory.Client
	badges   *unread.Aggregator
	hub      *ws.Hub
	notifier *push.Notifier
}

func NewMessageHandler(chatRepo *repository.ChatRepository, msgRepo *repository.MessageRepository, dir *directory.Client, badges *unread.Aggregator, hub *ws.Hub, notifier *push.Notifier) *MessageHandler {
	return &MessageHandler{chatRepo: chatRepo, msgRepo: msgRepo, dir: dir, badges: badges, hub: hub, notifier: notifier}
}

type CreateMessageRequest struct {
	Content   string `json:"content"`
	Type      string `json:"type"`
	ImageURL  string `json:"image_url"`
	ReplyToID string `json:"reply_to_id"`
}

// GetMessages returns one page of chat history, newest-first pagination
// with chronological output. The cursor from next_cursor fetches the
// preceding page without duplicating or skipping rows.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	isMember, err := h.chatRepo.IsActiveParticipant(ctx, chatID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	limit := queryInt(r, "limit", defaultPageLimit)
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	var before *repository.Cursor
	if raw := r.URL.Query().Get("before"); raw != "" {
		c, err := repository.ParseCursor(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = c
	}

	page, err := h.msgRepo.ListPage(ctx, chatID, limit, before)
	if err != nil {
		logger.Errorf("getMessages chat=%s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// CreateMessage persists a message, bumps the chat's last activity, and
// fans out: unread invalidation for every recipient, plus a web push for
// recipients with no live socket. The real-time new_message broadcast is
// driven by the sender's socket, not by this endpoint.
func (h *MessageHandler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" && req.ImageURL == "" {
		writeError(w, http.StatusBadRequest, "message is empty")
		return
	}
	if len(req.Content) > maxContentLen {
		writeError(w, http.StatusBadRequest, "message too long")
		return
	}

	msgType := model.MessageType(req.Type)
	switch msgType {
	case "":
		msgType = model.MessageTypeText
		if req.Content == "" && req.ImageURL != "" {
			msgType = model.MessageTypeImage
		}
	case model.MessageTypeText, model.MessageTypeImage, model.MessageTypeFile, model.MessageTypeSystem:
	default:
		writeError(w, http.StatusBadRequest, "unknown message type")
		return
	}

	isMember, err := h.chatRepo.IsActiveParticipant(ctx, chatID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	var replyTo *string
	if req.ReplyToID != "" {
		parent, err := h.msgRepo.GetByID(ctx, req.ReplyToID)
		if err != nil || parent.ChatID != chatID {
			writeError(w, http.StatusBadRequest, "reply target not found in this chat")
			return
		}
		replyTo = &req.ReplyToID
	}

	msg := &model.Message{
		ChatID:    chatID,
		SenderID:  userID,
		Content:   req.Content,
		Type:      msgType,
		ImageURL:  req.ImageURL,
		ReplyToID: replyTo,
	}
	if err := h.msgRepo.Create(ctx, msg); err != nil {
		logger.Errorf("createMessage chat=%s: %v", chatID, err)
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}
	if err := h.chatRepo.TouchLastMessageAt(ctx, chatID, msg.CreatedAt); err != nil {
		logger.Errorf("createMessage touch chat=%s: %v", chatID, err)
	}

	go h.fanOut(chatID, msg)

	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

// fanOut runs after the message is committed: recipients get their badge
// caches invalidated and, when no socket is connected, a web push.
func (h *MessageHandler) fanOut(chatID string, msg *model.Message) {
	ctx := context.Background()

	participants, err := h.chatRepo.ActiveParticipantIDs(ctx, chatID)
	if err != nil {
		logger.Errorf("fanOut participants chat=%s: %v", chatID, err)
		return
	}

	senderName := msg.SenderID
	if profile, err := h.dir.Profile(ctx, msg.SenderID); err == nil {
		senderName = profile.Username
	}

	for _, uid := range participants {
		if uid == msg.SenderID {
			continue
		}
		h.badges.Invalidate(ctx, uid)
		h.hub.NotifyUser(uid, ws.OutgoingEvent{
			Type:    ws.EventUnreadInvalidate,
			Payload: ws.UnreadInvalidatePayload{ChatID: chatID},
		})
		if !h.hub.UserConnected(uid) && h.notifier.Enabled() {
			body := msg.Content
			if body == "" {
				body = "sent an attachment"
			}
			h.notifier.Notify(ctx, uid, senderName, body, map[string]string{"chat_id": chatID})
		}
	}
}

// MarkRead marks every message from the counterpart in this chat as read.
// Idempotent.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	isMember, err := h.chatRepo.IsActiveParticipant(ctx, chatID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	if err := h.msgRepo.MarkChatRead(ctx, chatID, userID); err != nil {
		logger.Errorf("markRead chat=%s user=%s: %v", chatID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	h.badges.Invalidate(ctx, userID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// UnreadCount returns the viewer's total unread count across active chats.
func (h *MessageHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	n, err := h.badges.GlobalCount(ctx, userID)
	if err != nil {
		logger.Errorf("unreadCount user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to count unread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// DeleteMessage soft-deletes the caller's own message. The row stays as a
// tombstone; content and image reference are cleared.
func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	msgID := chi.URLParam(r, "id")
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	msg, err := h.msgRepo.GetByID(ctx, msgID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get message")
		return
	}
	if msg.SenderID != userID {
		writeError(w, http.StatusForbidden, "not your message")
		return
	}

	if err := h.msgRepo.SoftDelete(ctx, msgID); err != nil {
		logger.Errorf("deleteMessage id=%s: %v", msgID, err)
		writeError(w, http.StatusInternalServerError, "failed to delete message")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmcore/internal/directory"
	"github.com/dmcore/internal/logger"
	"github.com/dmcore/internal/middleware"
	"github.com/dmcore/internal/model"
	"github.com/dmcore/internal/repository"
	"github.com/dmcore/internal/unread"
)

type ChatHandler struct {
	chatRepo *repository.ChatRepository
	msgRepo  *repository.MessageRepository
	dir      *directory.Client
	badges   *unread.Aggregator
}

func NewChatHandler(chatRepo *repository.ChatRepository, msgRepo *repository.MessageRepository, dir *directory.Client, badges *unread.Aggregator) *ChatHandler {
	return &ChatHandler{chatRepo: chatRepo, msgRepo: msgRepo, dir: dir, badges: badges}
}

type CreateDirectChatRequest struct {
	UserID string `json:"user_id"`
}

// ListChats returns the viewer's active chats ordered by last activity,
// each with the counterpart's profile, last message and unread count.
func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	chats, err := h.chatRepo.ListForUser(ctx, userID)
	if err != nil {
		logger.Errorf("listChats user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to get chats")
		return
	}

	result := make([]model.ChatSummary, 0, len(chats))
	for i := range chats {
		result = append(result, h.summarize(ctx, &chats[i].Chat, chats[i].PeerID, userID))
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": result})
}

// CreateDirectChat finds or creates the direct chat with the target user.
// Returns 200 for an existing chat, 201 for a freshly created one. The
// creation race with the counterpart resolves to the same chat for both.
func (h *ChatHandler) CreateDirectChat(w http.ResponseWriter, r *http.Request) {
	var req CreateDirectChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.UserID == userID {
		writeError(w, http.StatusBadRequest, "cannot open a chat with yourself")
		return
	}

	exists, err := h.dir.Exists(ctx, req.UserID)
	if err != nil {
		logger.Errorf("createDirectChat probe user=%s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "user lookup failed")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	chat, created, err := h.chatRepo.FindOrCreateDirect(ctx, userID, req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrSelfChat) || errors.Is(err, repository.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Errorf("createDirectChat user=%s target=%s: %v", userID, req.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"chat": h.summarize(ctx, chat, req.UserID, userID)})
}

// GetChat returns one chat with a live unread count.
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	chat, err := h.chatRepo.GetByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get chat")
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

	peerID, err := h.chatRepo.OtherParticipantID(ctx, chatID, userID)
	if err != nil {
		logger.Errorf("getChat peer chat=%s: %v", chatID, err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat": h.summarize(ctx, chat, peerID, userID)})
}

// LeaveChat removes the caller from the chat (soft). History stays; the
// chat just disappears from their list.
func (h *ChatHandler) LeaveChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	if err := h.chatRepo.Leave(ctx, chatID, userID); err != nil {
		if errors.Is(err, repository.ErrAccessDenied) {
			writeError(w, http.StatusForbidden, "not a participant")
			return
		}
		logger.Errorf("leaveChat chat=%s user=%s: %v", chatID, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to leave chat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// summarize annotates a chat for one viewer. Directory and badge failures
// degrade to partial data rather than failing the listing.
func (h *ChatHandler) summarize(ctx context.Context, chat *model.Chat, peerID, viewerID string) model.ChatSummary {
	s := model.ChatSummary{Chat: *chat}

	if peerID != "" {
		profile, err := h.dir.Profile(ctx, peerID)
		if err != nil {
			logger.Errorf("summarize profile user=%s: %v", peerID, err)
			s.Counterpart = &model.UserProfile{ID: peerID, Username: peerID}
		} else {
			s.Counterpart = profile
		}
	}

	last, err := h.msgRepo.GetLast(ctx, chat.ID)
	if err != nil {
		logger.Errorf("summarize last message chat=%s: %v", chat.ID, err)
	}
	s.LastMessage = last

	n, err := h.badges.ChatCount(ctx, viewerID, chat.ID)
	if err != nil {
		logger.Errorf("summarize unread chat=%s: %v", chat.ID, err)
	}
	s.UnreadCount = n
	return s
}

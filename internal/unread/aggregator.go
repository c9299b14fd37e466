// Package unread computes per-chat and global unread counts. Counts are
// derived from message rows, never stored; the global badge is cached in
// the LiveStore and invalidated on new messages and mark-read.
package unread

import (
	"context"
	"time"

	"github.com/dmcore/internal/logger"
	"github.com/dmcore/internal/repository"
	"github.com/dmcore/internal/storage"
)

const badgeTTL = 60 * time.Second

type Aggregator struct {
	chatRepo *repository.ChatRepository
	msgRepo  *repository.MessageRepository
	store    storage.LiveStore
}

func NewAggregator(chatRepo *repository.ChatRepository, msgRepo *repository.MessageRepository, store storage.LiveStore) *Aggregator {
	return &Aggregator{chatRepo: chatRepo, msgRepo: msgRepo, store: store}
}

// GlobalCount returns the viewer's total unread badge across all active
// chats. Cache read-through: a short TTL bounds staleness even if an
// invalidation is lost.
func (a *Aggregator) GlobalCount(ctx context.Context, viewerID string) (int, error) {
	defer logger.DeferLogDuration("unread.GlobalCount", time.Now())()
	if n, ok, err := a.store.GetUnread(ctx, viewerID); err == nil && ok {
		return n, nil
	}

	chatIDs, err := a.chatRepo.ActiveChatIDs(ctx, viewerID)
	if err != nil {
		return 0, err
	}
	n, err := a.msgRepo.CountUnread(ctx, viewerID, chatIDs)
	if err != nil {
		return 0, err
	}
	if err := a.store.SetUnread(ctx, viewerID, n, badgeTTL); err != nil {
		logger.Errorf("unread cache set user=%s: %v", viewerID, err)
	}
	return n, nil
}

// ChatCount is the per-chat badge shown on chat-list rows. Not cached:
// it is always fetched together with the list itself.
func (a *Aggregator) ChatCount(ctx context.Context, viewerID, chatID string) (int, error) {
	return a.msgRepo.CountUnreadByChat(ctx, viewerID, chatID)
}

// Invalidate drops the cached badge so the next GlobalCount recomputes it.
// Called by the gateway on new-message fan-out and after mark-read.
func (a *Aggregator) Invalidate(ctx context.Context, viewerID string) {
	if err := a.store.InvalidateUnread(ctx, viewerID); err != nil {
		logger.Errorf("unread invalidate user=%s: %v", viewerID, err)
	}
}

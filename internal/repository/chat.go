package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmcore/internal/logger"
	"github.com/dmcore/internal/model"
)

// pgUniqueViolation is the SQLSTATE for duplicate-key errors.
const pgUniqueViolation = "23505"

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

// PairKey builds the canonical identity of a direct chat: the two user ids
// sorted lexicographically. Both sides of a race compute the same key.
func PairKey(userA, userB string) string {
	if userA < userB {
		return userA + ":" + userB
	}
	return userB + ":" + userA
}

// ChatWithPeer is a chat row joined with the *other* active participant's id.
type ChatWithPeer struct {
	Chat   model.Chat
	PeerID string
}

// FindOrCreateDirect returns the direct chat between the two users, creating
// it if needed. Idempotent and safe under concurrent calls from both users:
// a duplicate-key violation on the pair means the other caller won the race,
// so the winning row is re-fetched and returned instead of an error.
// A caller who previously left the chat is reactivated.
func (r *ChatRepository) FindOrCreateDirect(ctx context.Context, viewerID, otherID string) (*model.Chat, bool, error) {
	defer logger.DeferLogDuration("chat.FindOrCreateDirect", time.Now())()
	if viewerID == otherID {
		return nil, false, ErrSelfChat
	}
	if viewerID == "" || otherID == "" {
		return nil, false, ErrInvalidInput
	}

	pair := PairKey(viewerID, otherID)
	if c, err := r.getByPairKey(ctx, pair); err == nil {
		if err := r.reactivate(ctx, c.ID, viewerID); err != nil {
			return nil, false, err
		}
		return c, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	c := &model.Chat{
		ID:            uuid.New().String(),
		CreatedAt:     now,
		LastMessageAt: now,
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("chatRepo.FindOrCreateDirect begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO chats (id, pair_key, created_at, last_message_at)
		 VALUES ($1, $2, $3, $3)`,
		c.ID, pair, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// Lost the creation race: the pair row already exists.
			winner, ferr := r.getByPairKey(ctx, pair)
			if ferr != nil {
				return nil, false, fmt.Errorf("chatRepo.FindOrCreateDirect refetch: %w", ferr)
			}
			if ferr := r.reactivate(ctx, winner.ID, viewerID); ferr != nil {
				return nil, false, ferr
			}
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("chatRepo.FindOrCreateDirect insert chat: %w", err)
	}

	for _, uid := range []string{viewerID, otherID} {
		_, err = tx.Exec(ctx,
			`INSERT INTO chat_participants (chat_id, user_id, is_active, joined_at)
			 VALUES ($1, $2, true, $3)`,
			c.ID, uid, now,
		)
		if err != nil {
			return nil, false, fmt.Errorf("chatRepo.FindOrCreateDirect insert participant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("chatRepo.FindOrCreateDirect commit: %w", err)
	}
	return c, true, nil
}

func (r *ChatRepository) getByPairKey(ctx context.Context, pair string) (*model.Chat, error) {
	c := &model.Chat{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, created_at, last_message_at FROM chats WHERE pair_key = $1`, pair,
	).Scan(&c.ID, &c.CreatedAt, &c.LastMessageAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.getByPairKey: %w", err)
	}
	return c, nil
}

// reactivate flips a previously-left participant back to active. A no-op
// for participants who never left.
func (r *ChatRepository) reactivate(ctx context.Context, chatID, userID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE chat_participants SET is_active = true, left_at = NULL
		 WHERE chat_id = $1 AND user_id = $2 AND NOT is_active`,
		chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.reactivate: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetByID(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetByID", time.Now())()
	c := &model.Chat{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, created_at, last_message_at FROM chats WHERE id = $1`, id,
	).Scan(&c.ID, &c.CreatedAt, &c.LastMessageAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetByID: %w", err)
	}
	return c, nil
}

// ListForUser returns the viewer's active chats ordered by last_message_at
// descending, each joined with the counterpart's user id.
func (r *ChatRepository) ListForUser(ctx context.Context, userID string) ([]ChatWithPeer, error) {
	defer logger.DeferLogDuration("chat.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.created_at, c.last_message_at, peer.user_id
		 FROM chats c
		 JOIN chat_participants me ON me.chat_id = c.id AND me.user_id = $1 AND me.is_active
		 JOIN chat_participants peer ON peer.chat_id = c.id AND peer.user_id != $1
		 ORDER BY c.last_message_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	chats := make([]ChatWithPeer, 0, 16)
	for rows.Next() {
		var cp ChatWithPeer
		if err := rows.Scan(&cp.Chat.ID, &cp.Chat.CreatedAt, &cp.Chat.LastMessageAt, &cp.PeerID); err != nil {
			return nil, fmt.Errorf("chatRepo.ListForUser scan: %w", err)
		}
		chats = append(chats, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.ListForUser rows: %w", err)
	}
	return chats, nil
}

// TouchLastMessageAt bumps the chat-list ordering key. Called after every
// successful message insert.
func (r *ChatRepository) TouchLastMessageAt(ctx context.Context, chatID string, t time.Time) error {
	defer logger.DeferLogDuration("chat.TouchLastMessageAt", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chats SET last_message_at = $1 WHERE id = $2 AND last_message_at < $1`,
		t, chatID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.TouchLastMessageAt: %w", err)
	}
	return nil
}

// Leave marks the caller's participant row inactive. The chat and its
// messages are never deleted.
func (r *ChatRepository) Leave(ctx context.Context, chatID, userID string) error {
	defer logger.DeferLogDuration("chat.Leave", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE chat_participants SET is_active = false, left_at = $1
		 WHERE chat_id = $2 AND user_id = $3 AND is_active`,
		time.Now().UTC(), chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.Leave: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccessDenied
	}
	return nil
}

func (r *ChatRepository) IsActiveParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	defer logger.DeferLogDuration("chat.IsActiveParticipant", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_participants
		 WHERE chat_id = $1 AND user_id = $2 AND is_active)`,
		chatID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("chatRepo.IsActiveParticipant: %w", err)
	}
	return exists, nil
}

// ActiveParticipantIDs returns the user ids currently active in a chat.
func (r *ChatRepository) ActiveParticipantIDs(ctx context.Context, chatID string) ([]string, error) {
	defer logger.DeferLogDuration("chat.ActiveParticipantIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM chat_participants WHERE chat_id = $1 AND is_active`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.ActiveParticipantIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 2)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chatRepo.ActiveParticipantIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.ActiveParticipantIDs rows: %w", err)
	}
	return ids, nil
}

// OtherParticipantID resolves the counterpart of a two-party chat.
func (r *ChatRepository) OtherParticipantID(ctx context.Context, chatID, viewerID string) (string, error) {
	defer logger.DeferLogDuration("chat.OtherParticipantID", time.Now())()
	var id string
	err := r.pool.QueryRow(ctx,
		`SELECT user_id FROM chat_participants
		 WHERE chat_id = $1 AND user_id != $2
		 LIMIT 1`, chatID, viewerID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("chatRepo.OtherParticipantID: %w", err)
	}
	return id, nil
}

// ActiveChatIDs returns ids of all chats the user actively participates in.
// Feeds the global unread aggregate.
func (r *ChatRepository) ActiveChatIDs(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("chat.ActiveChatIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT chat_id FROM chat_participants WHERE user_id = $1 AND is_active`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.ActiveChatIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chatRepo.ActiveChatIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.ActiveChatIDs rows: %w", err)
	}
	return ids, nil
}

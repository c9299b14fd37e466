package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmcore/internal/logger"
	"github.com/dmcore/internal/model"
)

// Cursor is a keyset-pagination position: the (created_at, id) of the last
// message already seen. Unlike offset pagination it never skips or repeats
// rows under concurrent inserts, and hasMore stays exact at page-size
// multiples.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// String encodes the cursor as "<RFC3339Nano>~<uuid>" for URL transport.
func (c Cursor) String() string {
	return c.CreatedAt.UTC().Format(time.RFC3339Nano) + "~" + c.ID
}

// ParseCursor decodes a cursor produced by Cursor.String. Empty input means
// "start from the newest message".
func ParseCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	idx := strings.LastIndex(s, "~")
	if idx <= 0 || idx == len(s)-1 {
		return nil, fmt.Errorf("%w: malformed cursor", ErrInvalidInput)
	}
	t, err := time.Parse(time.RFC3339Nano, s[:idx])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor timestamp", ErrInvalidInput)
	}
	return &Cursor{CreatedAt: t, ID: s[idx+1:]}, nil
}

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const messageCols = `id, chat_id, sender_id, content, msg_type, image_url,
	is_read, is_edited, is_deleted, reply_to_id, created_at`

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	return s.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Type, &m.ImageURL,
		&m.IsRead, &m.IsEdited, &m.IsDeleted, &m.ReplyToID, &m.CreatedAt)
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Type == "" {
		m.Type = model.MessageTypeText
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, msg_type, image_url, is_read, reply_to_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, $7, $8)`,
		m.ID, m.ChatID, m.SenderID, m.Content, m.Type, m.ImageURL, m.ReplyToID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+messageCols+` FROM messages WHERE id = $1`, id,
	)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// ListPage fetches one page of chat history. Rows come back from the index
// newest-first; limit+1 are requested so HasMore is exact, then the slice
// is reversed so callers always receive oldest-to-newest order.
func (r *MessageRepository) ListPage(ctx context.Context, chatID string, limit int, before *Cursor) (*model.MessagePage, error) {
	defer logger.DeferLogDuration("msg.ListPage", time.Now())()
	if limit <= 0 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if before == nil {
		rows, err = r.pool.Query(ctx,
			`SELECT `+messageCols+` FROM messages
			 WHERE chat_id = $1
			 ORDER BY created_at DESC, id DESC
			 LIMIT $2`, chatID, limit+1,
		)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT `+messageCols+` FROM messages
			 WHERE chat_id = $1 AND (created_at, id) < ($2::timestamptz, $3::uuid)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $4`, chatID, before.CreatedAt, before.ID, limit+1,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListPage query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit+1)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.ListPage scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListPage rows: %w", err)
	}

	page := &model.MessagePage{HasMore: len(messages) > limit}
	if page.HasMore {
		messages = messages[:limit]
	}
	// Reverse in place: newest-first from the index, oldest-first out.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	page.Messages = messages
	if page.HasMore && len(messages) > 0 {
		oldest := messages[0]
		page.NextCursor = Cursor{CreatedAt: oldest.CreatedAt, ID: oldest.ID}.String()
	}
	return page, nil
}

// GetLast returns the most recent message of a chat, or nil when empty.
func (r *MessageRepository) GetLast(ctx context.Context, chatID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetLast", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE chat_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, chatID,
	)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("msgRepo.GetLast: %w", err)
	}
	return m, nil
}

// MarkChatRead flags every message the viewer has not yet read. Idempotent:
// once caught up, repeated calls match zero rows.
func (r *MessageRepository) MarkChatRead(ctx context.Context, chatID, viewerID string) error {
	defer logger.DeferLogDuration("msg.MarkChatRead", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_read = true
		 WHERE chat_id = $1 AND sender_id != $2 AND NOT is_read`,
		chatID, viewerID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.MarkChatRead: %w", err)
	}
	return nil
}

// CountUnread aggregates unread messages addressed to the viewer across the
// given chat set in a single query.
func (r *MessageRepository) CountUnread(ctx context.Context, viewerID string, chatIDs []string) (int, error) {
	defer logger.DeferLogDuration("msg.CountUnread", time.Now())()
	if len(chatIDs) == 0 {
		return 0, nil
	}
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE chat_id = ANY($1) AND sender_id != $2 AND NOT is_read AND NOT is_deleted`,
		chatIDs, viewerID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountUnread: %w", err)
	}
	return count, nil
}

// CountUnreadByChat is the per-chat badge for chat-list rows.
func (r *MessageRepository) CountUnreadByChat(ctx context.Context, viewerID, chatID string) (int, error) {
	defer logger.DeferLogDuration("msg.CountUnreadByChat", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE chat_id = $1 AND sender_id != $2 AND NOT is_read AND NOT is_deleted`,
		chatID, viewerID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountUnreadByChat: %w", err)
	}
	return count, nil
}

// SoftDelete flags a message as deleted and clears its content. The row
// stays so history and reply references remain valid.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = true, content = '', image_url = '' WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	return nil
}

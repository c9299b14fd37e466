package storage

import (
	"context"
	"time"
)

// LiveStore holds the fast-changing session-scoped state that does not
// belong in Postgres: presence keys, the global unread badge cache and the
// profile cache for the external user directory.
// Implementations: redis.Client, memory.Client (for -dev without Redis).
type LiveStore interface {
	SetOnline(ctx context.Context, userID string, ttl time.Duration) error
	SetOffline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)

	// Unread badge cache. GetUnread reports ok=false on a miss.
	GetUnread(ctx context.Context, userID string) (count int, ok bool, err error)
	SetUnread(ctx context.Context, userID string, count int, ttl time.Duration) error
	InvalidateUnread(ctx context.Context, userID string) error

	// Profile cache stores the directory's JSON response per user id.
	GetProfile(ctx context.Context, userID string) (raw string, ok bool, err error)
	SetProfile(ctx context.Context, userID, raw string, ttl time.Duration) error

	Close() error
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmcore/internal/logger"
)

// PushSubscription is one browser push endpoint for a user. A user may hold
// several (one per browser/device).
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	UserID   string `json:"user_id"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

type PushSubRepository struct {
	pool *pgxpool.Pool
}

func NewPushSubRepository(pool *pgxpool.Pool) *PushSubRepository {
	return &PushSubRepository{pool: pool}
}

func (r *PushSubRepository) Save(ctx context.Context, s *PushSubscription) error {
	defer logger.DeferLogDuration("pushSub.Save", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO push_subscriptions (endpoint, user_id, p256dh, auth, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (endpoint) DO UPDATE SET user_id = $2, p256dh = $3, auth = $4`,
		s.Endpoint, s.UserID, s.P256dh, s.Auth, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("pushSubRepo.Save: %w", err)
	}
	return nil
}

func (r *PushSubRepository) Delete(ctx context.Context, userID, endpoint string) error {
	defer logger.DeferLogDuration("pushSub.Delete", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE user_id = $1 AND endpoint = $2`,
		userID, endpoint,
	)
	if err != nil {
		return fmt.Errorf("pushSubRepo.Delete: %w", err)
	}
	return nil
}

// DeleteEndpoint drops a subscription regardless of owner. Used when the
// push service reports the endpoint gone (410/404).
func (r *PushSubRepository) DeleteEndpoint(ctx context.Context, endpoint string) error {
	defer logger.DeferLogDuration("pushSub.DeleteEndpoint", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint,
	)
	if err != nil {
		return fmt.Errorf("pushSubRepo.DeleteEndpoint: %w", err)
	}
	return nil
}

func (r *PushSubRepository) ListForUser(ctx context.Context, userID string) ([]PushSubscription, error) {
	defer logger.DeferLogDuration("pushSub.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT endpoint, user_id, p256dh, auth FROM push_subscriptions WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("pushSubRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	subs := make([]PushSubscription, 0, 2)
	for rows.Next() {
		var s PushSubscription
		if err := rows.Scan(&s.Endpoint, &s.UserID, &s.P256dh, &s.Auth); err != nil {
			return nil, fmt.Errorf("pushSubRepo.ListForUser scan: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pushSubRepo.ListForUser rows: %w", err)
	}
	return subs, nil
}

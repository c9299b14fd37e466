package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// SetOnline marks a user online under online:{id}. The TTL covers dropped
// connections that never send a clean offline.
func (c *Client) SetOnline(ctx context.Context, userID string, ttl time.Duration) error {
	return c.cli.Set(ctx, "online:"+userID, "1", ttl).Err()
}

func (c *Client) SetOffline(ctx context.Context, userID string) error {
	return c.cli.Del(ctx, "online:"+userID).Err()
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	_, err := c.cli.Get(ctx, "online:"+userID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) GetUnread(ctx context.Context, userID string) (int, bool, error) {
	val, err := c.cli.Get(ctx, "unread:"+userID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}

func (c *Client) SetUnread(ctx context.Context, userID string, count int, ttl time.Duration) error {
	return c.cli.Set(ctx, "unread:"+userID, strconv.Itoa(count), ttl).Err()
}

// InvalidateUnread drops the cached badge so the next read recomputes it.
func (c *Client) InvalidateUnread(ctx context.Context, userID string) error {
	return c.cli.Del(ctx, "unread:"+userID).Err()
}

func (c *Client) GetProfile(ctx context.Context, userID string) (string, bool, error) {
	val, err := c.cli.Get(ctx, "profile:"+userID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *Client) SetProfile(ctx context.Context, userID, raw string, ttl time.Duration) error {
	return c.cli.Set(ctx, "profile:"+userID, raw, ttl).Err()
}

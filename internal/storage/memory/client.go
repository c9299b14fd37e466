// Package memory is the in-process LiveStore used by -dev runs and tests,
// so the service starts without Redis.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type item struct {
	val string
	exp time.Time
}

func (i item) expired() bool {
	return !i.exp.IsZero() && time.Now().After(i.exp)
}

type Client struct {
	mu       sync.RWMutex
	online   map[string]item
	unread   map[string]item
	profiles map[string]item
}

func New() *Client {
	return &Client{
		online:   make(map[string]item),
		unread:   make(map[string]item),
		profiles: make(map[string]item),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetOnline(ctx context.Context, userID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online[userID] = item{val: "1", exp: time.Now().Add(ttl)}
	return nil
}

func (c *Client) SetOffline(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.online, userID)
	return nil
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.online[userID]
	return ok && !v.expired(), nil
}

func (c *Client) GetUnread(ctx context.Context, userID string) (int, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.unread[userID]
	if !ok || v.expired() {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v.val)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}

func (c *Client) SetUnread(ctx context.Context, userID string, count int, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unread[userID] = item{val: strconv.Itoa(count), exp: time.Now().Add(ttl)}
	return nil
}

func (c *Client) InvalidateUnread(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unread, userID)
	return nil
}

func (c *Client) GetProfile(ctx context.Context, userID string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.profiles[userID]
	if !ok || v.expired() {
		return "", false, nil
	}
	return v.val, true, nil
}

func (c *Client) SetProfile(ctx context.Context, userID, raw string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[userID] = item{val: raw, exp: time.Now().Add(ttl)}
	return nil
}

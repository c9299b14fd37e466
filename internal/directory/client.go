// Package directory resolves user display identities from the external
// user/profile service. The messaging core stores user ids only; names and
// avatars are fetched here and cached in the LiveStore.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dmcore/internal/logger"
	"github.com/dmcore/internal/model"
	"github.com/dmcore/internal/storage"
)

// ErrUnknownUser marks a user id the profile service does not know.
var ErrUnknownUser = errors.New("unknown user")

// Client calls the profile service. With an empty baseURL (dev mode) it
// fabricates a minimal profile from the id so chats stay usable offline.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      storage.LiveStore
	cacheTTL   time.Duration
}

func NewClient(baseURL string, cache storage.LiveStore, cacheTTL time.Duration) *Client {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		cache:      cache,
		cacheTTL:   cacheTTL,
	}
}

// Profile returns the display identity for a user id.
func (c *Client) Profile(ctx context.Context, userID string) (*model.UserProfile, error) {
	defer logger.DeferLogDuration("directory.Profile", time.Now())()
	if userID == "" {
		return nil, ErrUnknownUser
	}
	if c.baseURL == "" {
		return &model.UserProfile{ID: userID, Username: userID}, nil
	}

	if raw, ok, err := c.cache.GetProfile(ctx, userID); err == nil && ok {
		p := &model.UserProfile{}
		if err := json.Unmarshal([]byte(raw), p); err == nil {
			return p, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/internal/users/"+userID, nil)
	if err != nil {
		return nil, fmt.Errorf("directory.Profile request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory.Profile: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrUnknownUser
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory.Profile: status %d", resp.StatusCode)
	}

	p := &model.UserProfile{}
	if err := json.NewDecoder(resp.Body).Decode(p); err != nil {
		return nil, fmt.Errorf("directory.Profile decode: %w", err)
	}
	if raw, err := json.Marshal(p); err == nil {
		if err := c.cache.SetProfile(ctx, userID, string(raw), c.cacheTTL); err != nil {
			logger.Errorf("directory profile cache user=%s: %v", userID, err)
		}
	}
	return p, nil
}

// Exists probes whether the profile service knows the id. Used before
// creating a direct chat with an unknown target.
func (c *Client) Exists(ctx context.Context, userID string) (bool, error) {
	_, err := c.Profile(ctx, userID)
	if errors.Is(err, ErrUnknownUser) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

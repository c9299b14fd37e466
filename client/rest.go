// Package client is the Go client for the messaging API: a thin REST
// layer, a reconnecting socket and a Synchronizer that keeps the chat
// list, open conversation and unread badge consistent across both.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dmcore/internal/model"
)

const (
	restTimeout  = 15 * time.Second
	getRetries   = 3
	retryBackoff = 250 * time.Millisecond
)

// REST talks to the HTTP API. Idempotent GETs retry with backoff;
// anything that sends or mutates is issued exactly once, so a timed-out
// send can not duplicate a message.
type REST struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewREST(baseURL, token string) *REST {
	return &REST{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: restTimeout},
	}
}

type apiError struct {
	Status int
	Msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Msg)
}

// IsStatus reports whether err is an API error with the given HTTP status.
func IsStatus(err error, status int) bool {
	ae, ok := err.(*apiError)
	return ok && ae.Status == status
}

func (c *REST) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rest: marshal body: %w", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var er struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&er)
		return &apiError{Status: resp.StatusCode, Msg: er.Error}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// getJSON retries transient failures (network errors and 5xx) with a
// doubling backoff. 4xx responses are final.
func (c *REST) getJSON(ctx context.Context, path string, out any) error {
	backoff := retryBackoff
	var lastErr error
	for attempt := 0; attempt < getRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err := c.do(ctx, http.MethodGet, path, nil, out)
		if err == nil {
			return nil
		}
		if ae, ok := err.(*apiError); ok && ae.Status < 500 {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *REST) Chats(ctx context.Context) ([]model.ChatSummary, error) {
	var resp struct {
		Chats []model.ChatSummary `json:"chats"`
	}
	if err := c.getJSON(ctx, "/api/chats", &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

func (c *REST) CreateDirectChat(ctx context.Context, userID string) (*model.ChatSummary, error) {
	var resp struct {
		Chat model.ChatSummary `json:"chat"`
	}
	body := map[string]string{"user_id": userID}
	if err := c.do(ctx, http.MethodPost, "/api/chats/direct", body, &resp); err != nil {
		return nil, err
	}
	return &resp.Chat, nil
}

// Messages fetches one history page. before is the next_cursor of the
// previous page, empty for the newest page.
func (c *REST) Messages(ctx context.Context, chatID string, limit int, before string) (*model.MessagePage, error) {
	path := "/api/chats/" + chatID + "/messages?limit=" + strconv.Itoa(limit)
	if before != "" {
		path += "&before=" + before
	}
	var page model.MessagePage
	if err := c.getJSON(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage persists a message. Never retried: a timeout here is
// surfaced to the caller instead of risking a duplicate.
func (c *REST) SendMessage(ctx context.Context, chatID, content, imageURL, replyToID string) (*model.Message, error) {
	var resp struct {
		Message model.Message `json:"message"`
	}
	body := map[string]string{"content": content}
	if imageURL != "" {
		body["image_url"] = imageURL
	}
	if replyToID != "" {
		body["reply_to_id"] = replyToID
	}
	if err := c.do(ctx, http.MethodPost, "/api/chats/"+chatID+"/messages", body, &resp); err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

func (c *REST) MarkRead(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/api/chats/"+chatID+"/mark-read", nil, nil)
}

func (c *REST) UnreadCount(ctx context.Context) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	if err := c.getJSON(ctx, "/api/chats/unread-count", &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *REST) LeaveChat(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodDelete, "/api/chats/"+chatID, nil, nil)
}

func (c *REST) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/api/messages/"+messageID, nil, nil)
}

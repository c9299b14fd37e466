package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmcore/internal/directory"
	"github.com/dmcore/internal/handler"
	"github.com/dmcore/internal/middleware"
	"github.com/dmcore/internal/model"
	"github.com/dmcore/internal/push"
	"github.com/dmcore/internal/repository"
	"github.com/dmcore/internal/storage/memory"
	"github.com/dmcore/internal/testdb"
	"github.com/dmcore/internal/unread"
	"github.com/dmcore/internal/ws"
)

// newAPI wires the full REST surface against a throwaway database and a
// stub profile service that knows alice, bob and carol.
func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	pool := testdb.New(t)
	store := memory.New()

	users := map[string]model.UserProfile{
		"alice": {ID: "alice", Username: "Alice"},
		"bob":   {ID: "bob", Username: "Bob"},
		"carol": {ID: "carol", Username: "Carol"},
	}
	dirSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/internal/users/")
		p, ok := users[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(p)
	}))
	t.Cleanup(dirSrv.Close)

	chatRepo := repository.NewChatRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	subRepo := repository.NewPushSubRepository(pool)
	dir := directory.NewClient(dirSrv.URL, store, time.Minute)
	badges := unread.NewAggregator(chatRepo, msgRepo, store)
	hub := ws.NewHub(chatRepo, badges, store, 100)
	notifier := push.NewNotifier(subRepo, nil, "")

	chatH := handler.NewChatHandler(chatRepo, msgRepo, dir, badges)
	msgH := handler.NewMessageHandler(chatRepo, msgRepo, dir, badges, hub, notifier)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthServiceValidate("", nil)) // dev mode: X-User-Id
		r.Get("/api/chats", chatH.ListChats)
		r.Post("/api/chats/direct", chatH.CreateDirectChat)
		r.Get("/api/chats/unread-count", msgH.UnreadCount)
		r.Get("/api/chats/{id}", chatH.GetChat)
		r.Delete("/api/chats/{id}", chatH.LeaveChat)
		r.Get("/api/chats/{id}/messages", msgH.GetMessages)
		r.Post("/api/chats/{id}/messages", msgH.CreateMessage)
		r.Post("/api/chats/{id}/mark-read", msgH.MarkRead)
		r.Delete("/api/messages/{id}", msgH.DeleteMessage)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, user, method, path string, body any) (int, map[string]json.RawMessage) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, srv.URL+path, payload)
	require.NoError(t, err)
	req.Header.Set("X-User-Id", user)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	fields := map[string]json.RawMessage{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &fields)
	}
	return resp.StatusCode, fields
}

func createChat(t *testing.T, srv *httptest.Server, viewer, other string) string {
	t.Helper()
	status, fields := call(t, srv, viewer, http.MethodPost, "/api/chats/direct", map[string]string{"user_id": other})
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, status)
	var summary model.ChatSummary
	require.NoError(t, json.Unmarshal(fields["chat"], &summary))
	return summary.ID
}

func sendMessage(t *testing.T, srv *httptest.Server, user, chatID, content string) model.Message {
	t.Helper()
	status, fields := call(t, srv, user, http.MethodPost, "/api/chats/"+chatID+"/messages", map[string]string{"content": content})
	require.Equal(t, http.StatusCreated, status)
	var msg model.Message
	require.NoError(t, json.Unmarshal(fields["message"], &msg))
	return msg
}

func TestCreateDirectChat(t *testing.T) {
	srv := newAPI(t)

	status, fields := call(t, srv, "alice", http.MethodPost, "/api/chats/direct", map[string]string{"user_id": "bob"})
	assert.Equal(t, http.StatusCreated, status)
	var created model.ChatSummary
	require.NoError(t, json.Unmarshal(fields["chat"], &created))
	require.NotNil(t, created.Counterpart)
	assert.Equal(t, "Bob", created.Counterpart.Username)

	// Re-opening from the counterpart side finds the same chat with 200.
	status, fields = call(t, srv, "bob", http.MethodPost, "/api/chats/direct", map[string]string{"user_id": "alice"})
	assert.Equal(t, http.StatusOK, status)
	var found model.ChatSummary
	require.NoError(t, json.Unmarshal(fields["chat"], &found))
	assert.Equal(t, created.ID, found.ID)

	status, _ = call(t, srv, "alice", http.MethodPost, "/api/chats/direct", map[string]string{"user_id": "alice"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, srv, "alice", http.MethodPost, "/api/chats/direct", map[string]string{"user_id": "nobody"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMessages_AccessAndValidation(t *testing.T) {
	srv := newAPI(t)
	chatID := createChat(t, srv, "alice", "bob")

	// An authenticated outsider is forbidden on both directions.
	status, _ := call(t, srv, "carol", http.MethodGet, "/api/chats/"+chatID+"/messages", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = call(t, srv, "carol", http.MethodPost, "/api/chats/"+chatID+"/messages", map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, status)

	// No content and no image is rejected.
	status, _ = call(t, srv, "alice", http.MethodPost, "/api/chats/"+chatID+"/messages", map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, status)

	// A malformed cursor is rejected.
	status, _ = call(t, srv, "alice", http.MethodGet, "/api/chats/"+chatID+"/messages?before=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	msg := sendMessage(t, srv, "alice", chatID, "hello bob")
	assert.Equal(t, "alice", msg.SenderID)
	assert.NotEmpty(t, msg.ID)

	status, fields := call(t, srv, "bob", http.MethodGet, "/api/chats/"+chatID+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	var msgs []model.Message
	require.NoError(t, json.Unmarshal(fields["messages"], &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello bob", msgs[0].Content)
}

func TestMessages_CursorPaging(t *testing.T) {
	srv := newAPI(t)
	chatID := createChat(t, srv, "alice", "bob")

	for _, content := range []string{"one", "two", "three"} {
		sendMessage(t, srv, "alice", chatID, content)
	}

	status, fields := call(t, srv, "bob", http.MethodGet, "/api/chats/"+chatID+"/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, status)
	var page model.MessagePage
	require.NoError(t, json.Unmarshal(fields["messages"], &page.Messages))
	require.NoError(t, json.Unmarshal(fields["has_more"], &page.HasMore))
	require.NoError(t, json.Unmarshal(fields["next_cursor"], &page.NextCursor))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, []string{"two", "three"}, []string{page.Messages[0].Content, page.Messages[1].Content})
	require.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)

	// The returned cursor fetches the preceding page.
	status, fields = call(t, srv, "bob", http.MethodGet, "/api/chats/"+chatID+"/messages?limit=2&before="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, status)
	var older []model.Message
	var hasMore bool
	require.NoError(t, json.Unmarshal(fields["messages"], &older))
	require.NoError(t, json.Unmarshal(fields["has_more"], &hasMore))
	require.Len(t, older, 1)
	assert.Equal(t, "one", older[0].Content)
	assert.False(t, hasMore)
}

func TestMessages_ReplyMustExistInChat(t *testing.T) {
	srv := newAPI(t)
	chatA := createChat(t, srv, "alice", "bob")
	chatB := createChat(t, srv, "alice", "carol")

	parent := sendMessage(t, srv, "alice", chatA, "root")

	// Valid reply in the same chat.
	status, _ := call(t, srv, "bob", http.MethodPost, "/api/chats/"+chatA+"/messages",
		map[string]string{"content": "re", "reply_to_id": parent.ID})
	assert.Equal(t, http.StatusCreated, status)

	// Cross-chat reply is rejected.
	status, _ = call(t, srv, "alice", http.MethodPost, "/api/chats/"+chatB+"/messages",
		map[string]string{"content": "re", "reply_to_id": parent.ID})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUnreadFlow(t *testing.T) {
	srv := newAPI(t)
	chatID := createChat(t, srv, "alice", "bob")

	sendMessage(t, srv, "bob", chatID, "one")
	sendMessage(t, srv, "bob", chatID, "two")

	status, fields := call(t, srv, "alice", http.MethodGet, "/api/chats/unread-count", nil)
	require.Equal(t, http.StatusOK, status)
	var count int
	require.NoError(t, json.Unmarshal(fields["count"], &count))
	assert.Equal(t, 2, count)

	// The sender's own badge is untouched.
	status, fields = call(t, srv, "bob", http.MethodGet, "/api/chats/unread-count", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(fields["count"], &count))
	assert.Equal(t, 0, count)

	status, _ = call(t, srv, "alice", http.MethodPost, "/api/chats/"+chatID+"/mark-read", nil)
	require.Equal(t, http.StatusOK, status)

	status, fields = call(t, srv, "alice", http.MethodGet, "/api/chats/unread-count", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(fields["count"], &count))
	assert.Equal(t, 0, count)
}

func TestDeleteMessage_SenderOnly(t *testing.T) {
	srv := newAPI(t)
	chatID := createChat(t, srv, "alice", "bob")
	msg := sendMessage(t, srv, "alice", chatID, "oops")

	status, _ := call(t, srv, "bob", http.MethodDelete, "/api/messages/"+msg.ID, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = call(t, srv, "alice", http.MethodDelete, "/api/messages/"+msg.ID, nil)
	assert.Equal(t, http.StatusOK, status)

	// The tombstone survives in history with its content cleared.
	status, fields := call(t, srv, "bob", http.MethodGet, "/api/chats/"+chatID+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	var msgs []model.Message
	require.NoError(t, json.Unmarshal(fields["messages"], &msgs))
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsDeleted)
	assert.Empty(t, msgs[0].Content)

	status, _ = call(t, srv, "alice", http.MethodDelete, "/api/messages/00000000-0000-0000-0000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestLeaveChat(t *testing.T) {
	srv := newAPI(t)
	chatID := createChat(t, srv, "alice", "bob")

	status, _ := call(t, srv, "carol", http.MethodDelete, "/api/chats/"+chatID, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = call(t, srv, "alice", http.MethodDelete, "/api/chats/"+chatID, nil)
	assert.Equal(t, http.StatusOK, status)

	// Gone from alice's list and her access, still present for bob.
	status, fields := call(t, srv, "alice", http.MethodGet, "/api/chats", nil)
	require.Equal(t, http.StatusOK, status)
	var chats []model.ChatSummary
	require.NoError(t, json.Unmarshal(fields["chats"], &chats))
	assert.Empty(t, chats)

	status, _ = call(t, srv, "alice", http.MethodGet, "/api/chats/"+chatID, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, fields = call(t, srv, "bob", http.MethodGet, "/api/chats", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(fields["chats"], &chats))
	assert.Len(t, chats, 1)
}

func TestGetChat_NotFoundBeatsForbidden(t *testing.T) {
	srv := newAPI(t)
	chatID := createChat(t, srv, "alice", "bob")

	// A chat that does not exist is 404 for everyone.
	status, _ := call(t, srv, "carol", http.MethodGet, "/api/chats/11111111-1111-1111-1111-111111111111", nil)
	assert.Equal(t, http.StatusNotFound, status)

	// An existing chat the caller is not in stays 403.
	status, _ = call(t, srv, "carol", http.MethodGet, "/api/chats/"+chatID, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = call(t, srv, "alice", http.MethodGet, "/api/chats/"+chatID, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestListChats_SummariesAndOrder(t *testing.T) {
	srv := newAPI(t)
	withBob := createChat(t, srv, "alice", "bob")
	withCarol := createChat(t, srv, "alice", "carol")
	_ = withCarol

	sendMessage(t, srv, "bob", withBob, "latest")

	status, fields := call(t, srv, "alice", http.MethodGet, "/api/chats", nil)
	require.Equal(t, http.StatusOK, status)
	var chats []model.ChatSummary
	require.NoError(t, json.Unmarshal(fields["chats"], &chats))
	require.Len(t, chats, 2)

	assert.Equal(t, withBob, chats[0].ID)
	require.NotNil(t, chats[0].Counterpart)
	assert.Equal(t, "Bob", chats[0].Counterpart.Username)
	require.NotNil(t, chats[0].LastMessage)
	assert.Equal(t, "latest", chats[0].LastMessage.Content)
	assert.Equal(t, 1, chats[0].UnreadCount)
	assert.Equal(t, 0, chats[1].UnreadCount)
}

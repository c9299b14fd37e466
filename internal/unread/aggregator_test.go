package unread_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmcore/internal/model"
	"github.com/dmcore/internal/repository"
	"github.com/dmcore/internal/storage/memory"
	"github.com/dmcore/internal/testdb"
	"github.com/dmcore/internal/unread"
)

func TestGlobalCount_CacheReadThrough(t *testing.T) {
	pool := testdb.New(t)
	chatRepo := repository.NewChatRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	store := memory.New()
	agg := unread.NewAggregator(chatRepo, msgRepo, store)
	ctx := context.Background()

	chat, _, err := chatRepo.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, msgRepo.Create(ctx, &model.Message{ChatID: chat.ID, SenderID: "bob", Content: "x"}))
	require.NoError(t, msgRepo.Create(ctx, &model.Message{ChatID: chat.ID, SenderID: "bob", Content: "y"}))

	n, err := agg.GlobalCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The second read is served from the cache: a new row does not show up
	// until the badge is invalidated.
	require.NoError(t, msgRepo.Create(ctx, &model.Message{ChatID: chat.ID, SenderID: "bob", Content: "z"}))
	n, err = agg.GlobalCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	agg.Invalidate(ctx, "alice")
	n, err = agg.GlobalCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestGlobalCount_ExcludesLeftChats(t *testing.T) {
	pool := testdb.New(t)
	chatRepo := repository.NewChatRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	agg := unread.NewAggregator(chatRepo, msgRepo, memory.New())
	ctx := context.Background()

	withBob, _, err := chatRepo.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	withCarol, _, err := chatRepo.FindOrCreateDirect(ctx, "alice", "carol")
	require.NoError(t, err)

	require.NoError(t, msgRepo.Create(ctx, &model.Message{ChatID: withBob.ID, SenderID: "bob", Content: "a"}))
	require.NoError(t, msgRepo.Create(ctx, &model.Message{ChatID: withCarol.ID, SenderID: "carol", Content: "b"}))

	n, err := agg.GlobalCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Leaving a chat removes its messages from the global badge.
	require.NoError(t, chatRepo.Leave(ctx, withBob.ID, "alice"))
	agg.Invalidate(ctx, "alice")
	n, err = agg.GlobalCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGlobalCount_ZeroChats(t *testing.T) {
	pool := testdb.New(t)
	agg := unread.NewAggregator(repository.NewChatRepository(pool), repository.NewMessageRepository(pool), memory.New())

	n, err := agg.GlobalCount(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

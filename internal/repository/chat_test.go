package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmcore/internal/model"
	"github.com/dmcore/internal/repository"
	"github.com/dmcore/internal/testdb"
)

func TestPairKey_OrderIndependent(t *testing.T) {
	assert.Equal(t, repository.PairKey("alice", "bob"), repository.PairKey("bob", "alice"))
	assert.Equal(t, "alice:bob", repository.PairKey("bob", "alice"))
}

func TestFindOrCreateDirect_Idempotent(t *testing.T) {
	pool := testdb.New(t)
	repo := repository.NewChatRepository(pool)
	ctx := context.Background()

	first, created, err := repo.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, created)

	// Same pair again, from either side, returns the same chat.
	second, created, err := repo.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	third, created, err := repo.FindOrCreateDirect(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, third.ID)
}

func TestFindOrCreateDirect_SelfAndEmpty(t *testing.T) {
	pool := testdb.New(t)
	repo := repository.NewChatRepository(pool)
	ctx := context.Background()

	_, _, err := repo.FindOrCreateDirect(ctx, "alice", "alice")
	assert.ErrorIs(t, err, repository.ErrSelfChat)

	_, _, err = repo.FindOrCreateDirect(ctx, "alice", "")
	assert.ErrorIs(t, err, repository.ErrInvalidInput)
}

func TestFindOrCreateDirect_ConcurrentRace(t *testing.T) {
	pool := testdb.New(t)
	repo := repository.NewChatRepository(pool)
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			viewer, other := "alice", "bob"
			if i%2 == 1 {
				viewer, other = other, viewer
			}
			chat, _, err := repo.FindOrCreateDirect(ctx, viewer, other)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = chat.ID
		}(i)
	}
	wg.Wait()
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
	}

	// Every racer must have landed on the same chat, and only one row exists.
	for i := 1; i < workers; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM chats").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestLeaveAndRejoin(t *testing.T) {
	pool := testdb.New(t)
	repo := repository.NewChatRepository(pool)
	ctx := context.Background()

	chat, _, err := repo.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	require.NoError(t, repo.Leave(ctx, chat.ID, "alice"))

	active, err := repo.IsActiveParticipant(ctx, chat.ID, "alice")
	require.NoError(t, err)
	assert.False(t, active)

	// Leaving twice is denied: the row is already inactive.
	assert.ErrorIs(t, repo.Leave(ctx, chat.ID, "alice"), repository.ErrAccessDenied)

	// The counterpart is untouched.
	active, err = repo.IsActiveParticipant(ctx, chat.ID, "bob")
	require.NoError(t, err)
	assert.True(t, active)

	// Re-opening the pair reactivates the leaver on the same chat.
	again, created, err := repo.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, chat.ID, again.ID)

	active, err = repo.IsActiveParticipant(ctx, chat.ID, "alice")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestListForUser_OrderAndVisibility(t *testing.T) {
	pool := testdb.New(t)
	chatRepo := repository.NewChatRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	ctx := context.Background()

	withBob, _, err := chatRepo.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	withCarol, _, err := chatRepo.FindOrCreateDirect(ctx, "alice", "carol")
	require.NoError(t, err)

	// A message in the bob chat moves it to the top of alice's list.
	msg := &model.Message{ChatID: withBob.ID, SenderID: "bob", Content: "hi"}
	require.NoError(t, msgRepo.Create(ctx, msg))
	require.NoError(t, chatRepo.TouchLastMessageAt(ctx, withBob.ID, msg.CreatedAt.Add(time.Second)))

	chats, err := chatRepo.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, withBob.ID, chats[0].Chat.ID)
	assert.Equal(t, "bob", chats[0].PeerID)
	assert.Equal(t, withCarol.ID, chats[1].Chat.ID)
	assert.Equal(t, "carol", chats[1].PeerID)

	// After leaving, the chat disappears from the list but stays for bob.
	require.NoError(t, chatRepo.Leave(ctx, withBob.ID, "alice"))
	chats, err = chatRepo.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, withCarol.ID, chats[0].Chat.ID)

	bobChats, err := chatRepo.ListForUser(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bobChats, 1)
	assert.Equal(t, withBob.ID, bobChats[0].Chat.ID)
}

func TestTouchLastMessageAt_Monotonic(t *testing.T) {
	pool := testdb.New(t)
	repo := repository.NewChatRepository(pool)
	ctx := context.Background()

	chat, _, err := repo.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, repo.TouchLastMessageAt(ctx, chat.ID, future))
	// An older touch (out-of-order fan-out) must not move the key backwards.
	require.NoError(t, repo.TouchLastMessageAt(ctx, chat.ID, future.Add(-time.Minute)))

	got, err := repo.GetByID(ctx, chat.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, future, got.LastMessageAt, time.Millisecond)
}

func TestGetByID_NotFound(t *testing.T) {
	pool := testdb.New(t)
	repo := repository.NewChatRepository(pool)

	_, err := repo.GetByID(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

package recall

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStorePutGetDelete(t *testing.T) {
	s := openTestSQLiteStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "user-msg-1")
	require.NoError(t, err)
	assert.False(t, ok)

	rec := Record{
		ChatID: "chat-1",
		BotMessages: []BotMessage{
			{ID: "bot-msg-1", Timestamp: time.Now()},
		},
	}
	require.NoError(t, s.Put(ctx, "user-msg-1", rec))

	got, ok, err := s.Get(ctx, "user-msg-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "chat-1", got.ChatID)
	require.Len(t, got.BotMessages, 1)
	assert.Equal(t, "bot-msg-1", got.BotMessages[0].ID)

	require.NoError(t, s.Delete(ctx, "user-msg-1"))
	_, ok, err = s.Get(ctx, "user-msg-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStorePutOverwritesExistingRecord(t *testing.T) {
	s := openTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "user-msg-1", Record{ChatID: "chat-1"}))
	require.NoError(t, s.Put(ctx, "user-msg-1", Record{ChatID: "chat-2"}))

	got, ok, err := s.Get(ctx, "user-msg-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "chat-2", got.ChatID)
}

func TestHandleRecallAgainstSQLiteStore(t *testing.T) {
	s := openTestSQLiteStore(t)
	deleter := &fakeDeleter{}
	aborter := &fakeAborter{result: true}
	h := New(s, deleter, aborter)

	ctx := context.Background()
	base := time.Now()
	require.NoError(t, h.RecordBotMessage(ctx, "user-msg-1", "chat-1", "bot-msg-1", base.Add(time.Second)))

	result, err := h.HandleRecall(ctx, "user-msg-1", base)
	require.NoError(t, err)
	assert.Equal(t, 1, result.BotMessagesDeleted)
	assert.True(t, result.Aborted)

	_, ok, err := s.Get(ctx, "user-msg-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

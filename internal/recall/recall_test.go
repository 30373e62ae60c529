package recall

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeleter struct {
	deleted []string
}

func (f *fakeDeleter) DeleteMessage(ctx context.Context, messageID string) error {
	f.deleted = append(f.deleted, messageID)
	return nil
}

type fakeAborter struct {
	chatID string
	result bool
}

func (f *fakeAborter) AbortTaskForChat(ctx context.Context, chatID string) bool {
	f.chatID = chatID
	return f.result
}

func TestHandleRecallDeletesMessagesAtOrAfterRecallPoint(t *testing.T) {
	store := NewMemoryStore()
	deleter := &fakeDeleter{}
	aborter := &fakeAborter{result: true}
	h := New(store, deleter, aborter)

	ctx := context.Background()
	base := time.Now()
	require.NoError(t, h.RecordBotMessage(ctx, "user-msg-1", "chat-1", "bot-msg-1", base.Add(1*time.Second)))
	require.NoError(t, h.RecordBotMessage(ctx, "user-msg-1", "chat-1", "bot-msg-2", base.Add(2*time.Second)))

	result, err := h.HandleRecall(ctx, "user-msg-1", base)
	require.NoError(t, err)

	assert.Equal(t, 2, result.BotMessagesDeleted)
	assert.True(t, result.Aborted)
	assert.ElementsMatch(t, []string{"bot-msg-1", "bot-msg-2"}, deleter.deleted)
	assert.Equal(t, "chat-1", aborter.chatID)

	_, ok, _ := store.Get(ctx, "user-msg-1")
	assert.False(t, ok, "mapping should be forgotten after handling the recall")
}

func TestHandleRecallOnlyDeletesMessagesAfterRecalledTimestamp(t *testing.T) {
	store := NewMemoryStore()
	deleter := &fakeDeleter{}
	aborter := &fakeAborter{}
	h := New(store, deleter, aborter)

	ctx := context.Background()
	base := time.Now()
	require.NoError(t, h.RecordBotMessage(ctx, "user-msg-1", "chat-1", "before", base.Add(-1*time.Second)))
	require.NoError(t, h.RecordBotMessage(ctx, "user-msg-1", "chat-1", "after", base.Add(1*time.Second)))

	result, err := h.HandleRecall(ctx, "user-msg-1", base)
	require.NoError(t, err)

	assert.Equal(t, 1, result.BotMessagesDeleted)
	assert.Equal(t, []string{"after"}, deleter.deleted)
}

func TestHandleRecallUnknownMessageIsANoop(t *testing.T) {
	h := New(NewMemoryStore(), &fakeDeleter{}, &fakeAborter{})
	result, err := h.HandleRecall(context.Background(), "nonexistent", time.Now())
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
}

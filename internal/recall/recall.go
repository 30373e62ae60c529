// Package recall implements the Recall Handler (spec §4.9): reacts to a
// user deleting a message by aborting the in-flight task it triggered and
// deleting every bot reply that followed it.
package recall

import (
	"context"
	"sync"
	"time"
)

// BotMessage is one platform message the gateway sent in reply to a user
// message, recorded so it can be torn down if the user message is
// recalled.
type BotMessage struct {
	ID        string
	Timestamp time.Time
}

// Record is the persistent mapping value for one user message (spec §4.9:
// "userMessageId → {chatId, botMessageIds[]}").
type Record struct {
	ChatID      string
	BotMessages []BotMessage
}

// Store persists the userMessageId -> Record mapping. Implementations may
// be in-memory or backed by a database; the gateway only needs it to
// survive a process restart on a best-effort basis.
type Store interface {
	Put(ctx context.Context, userMessageID string, rec Record) error
	Get(ctx context.Context, userMessageID string) (Record, bool, error)
	Delete(ctx context.Context, userMessageID string) error
}

// MessageDeleter deletes a previously sent platform message.
type MessageDeleter interface {
	DeleteMessage(ctx context.Context, messageID string) error
}

// TaskAborter aborts the active processing task for a chat's session, if
// any, returning whether one was actually running.
type TaskAborter interface {
	AbortTaskForChat(ctx context.Context, chatID string) bool
}

// Result is what HandleRecall reports back to the channel adapter (spec
// §4.9: "Returns {aborted, botMessagesDeleted}").
type Result struct {
	Aborted           bool
	BotMessagesDeleted int
}

// Handler ties the mapping store to the platform and session layers.
type Handler struct {
	store   Store
	deleter MessageDeleter
	aborter TaskAborter
}

// New creates a Handler.
func New(store Store, deleter MessageDeleter, aborter TaskAborter) *Handler {
	return &Handler{store: store, deleter: deleter, aborter: aborter}
}

// RecordBotMessage appends one bot reply to the tracked set for
// userMessageID, creating the record on first use.
func (h *Handler) RecordBotMessage(ctx context.Context, userMessageID, chatID, botMessageID string, ts time.Time) error {
	rec, ok, err := h.store.Get(ctx, userMessageID)
	if err != nil {
		return err
	}
	if !ok {
		rec = Record{ChatID: chatID}
	}
	rec.BotMessages = append(rec.BotMessages, BotMessage{ID: botMessageID, Timestamp: ts})
	return h.store.Put(ctx, userMessageID, rec)
}

// HandleRecall implements spec §4.9: delete every bot message with a
// timestamp at or after the recalled user message's timestamp, abort the
// chat's active task, and forget the mapping.
func (h *Handler) HandleRecall(ctx context.Context, userMessageID string, recalledAt time.Time) (Result, error) {
	rec, ok, err := h.store.Get(ctx, userMessageID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, nil
	}

	var deleted int
	for _, bm := range rec.BotMessages {
		if bm.Timestamp.Before(recalledAt) {
			continue
		}
		if err := h.deleter.DeleteMessage(ctx, bm.ID); err == nil {
			deleted++
		}
	}

	aborted := h.aborter.AbortTaskForChat(ctx, rec.ChatID)

	if err := h.store.Delete(ctx, userMessageID); err != nil {
		return Result{Aborted: aborted, BotMessagesDeleted: deleted}, err
	}
	return Result{Aborted: aborted, BotMessagesDeleted: deleted}, nil
}

// MemoryStore is an in-process Store, the default for single-instance
// deployments and for tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Put(ctx context.Context, userMessageID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[userMessageID] = rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, userMessageID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userMessageID]
	return rec, ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, userMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, userMessageID)
	return nil
}

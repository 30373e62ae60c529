package recall

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a local SQLite database, for deployments
// that need the recall mapping to survive a process restart without
// standing up Postgres. Mirrors the cache-over-database shape the teacher's
// Postgres-backed stores use, minus the cache: the recall mapping is small
// and short-lived (cleared on HandleRecall), so a DB round trip per call is
// cheap enough.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) a SQLite database at path
// and ensures its schema exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recall: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS recall_records (
			user_message_id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			bot_messages TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("recall: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, userMessageID string, rec Record) error {
	payload, err := json.Marshal(rec.BotMessages)
	if err != nil {
		return fmt.Errorf("recall: marshal bot messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recall_records (user_message_id, chat_id, bot_messages)
		VALUES (?, ?, ?)
		ON CONFLICT(user_message_id) DO UPDATE SET chat_id = excluded.chat_id, bot_messages = excluded.bot_messages
	`, userMessageID, rec.ChatID, payload)
	if err != nil {
		return fmt.Errorf("recall: put: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, userMessageID string) (Record, bool, error) {
	var chatID string
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id, bot_messages FROM recall_records WHERE user_message_id = ?
	`, userMessageID).Scan(&chatID, &payload)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("recall: get: %w", err)
	}

	var msgs []BotMessage
	if err := json.Unmarshal(payload, &msgs); err != nil {
		return Record{}, false, fmt.Errorf("recall: unmarshal bot messages: %w", err)
	}
	return Record{ChatID: chatID, BotMessages: msgs}, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, userMessageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recall_records WHERE user_message_id = ?`, userMessageID)
	if err != nil {
		return fmt.Errorf("recall: delete: %w", err)
	}
	return nil
}

// Package store provides the local SQLite archive: conversations, confirmed
// messages, and poll cursors survive restarts so the client can render
// history and resume fetching without a full re-sync.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/emberapp/chatlink/internal/wire"
)

// Store manages the SQLite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.RWMutex
}

// New opens (or creates) the SQLite database and runs migrations.
func New(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("store initialized")
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying database connection (for testing).
func (s *Store) DB() *sql.DB {
	return s.db
}

// SaveMessages upserts confirmed messages. Upsert keys on the server id so
// re-saving a polled duplicate is harmless.
func (s *Store) SaveMessages(ctx context.Context, msgs []wire.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, sequence_number, client_nonce, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sequence_number = excluded.sequence_number,
			sent_at = excluded.sent_at`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.ConversationID, m.SenderID, m.Content,
			m.SequenceNumber, m.ClientNonce, m.SentAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("saving message %s: %w", m.ID, err)
		}
	}

	return tx.Commit()
}

// MessagesForConversation returns stored messages ordered by send time then
// sequence number, capped at limit (0 means no cap).
func (s *Store) MessagesForConversation(ctx context.Context, conversationID string, limit int) ([]wire.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, conversation_id, sender_id, content, sequence_number, client_nonce, sent_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at ASC, sequence_number ASC`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []wire.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestMessageID returns the id of the newest stored message for a
// conversation, empty when none exists. Used to seed the poll cursor after
// a restart.
func (s *Store) LatestMessageID(ctx context.Context, conversationID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at DESC, sequence_number DESC
		LIMIT 1`, conversationID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying latest message: %w", err)
	}
	return id, nil
}

// SaveConversations upserts the conversation list.
func (s *Store) SaveConversations(ctx context.Context, convs []wire.Conversation) error {
	if len(convs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, cv := range convs {
		participants, err := encodeParticipants(cv.Participants)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, participants, unread_count)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				participants = excluded.participants,
				unread_count = excluded.unread_count`,
			cv.ID, participants, cv.UnreadCount,
		); err != nil {
			return fmt.Errorf("saving conversation %s: %w", cv.ID, err)
		}
	}

	return tx.Commit()
}

// Conversations returns all stored conversations.
func (s *Store) Conversations(ctx context.Context) ([]wire.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participants, unread_count FROM conversations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []wire.Conversation
	for rows.Next() {
		var cv wire.Conversation
		var participants string
		if err := rows.Scan(&cv.ID, &participants, &cv.UnreadCount); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		cv.Participants, err = decodeParticipants(participants)
		if err != nil {
			return nil, err
		}
		out = append(out, cv)
	}
	return out, rows.Err()
}

// SetCursor records the last fetched message id for a conversation.
func (s *Store) SetCursor(ctx context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (conversation_id, message_id)
		VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET message_id = excluded.message_id`,
		conversationID, messageID)
	if err != nil {
		return fmt.Errorf("saving cursor: %w", err)
	}
	return nil
}

// Cursor returns the stored cursor for a conversation, empty when unset.
func (s *Store) Cursor(ctx context.Context, conversationID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id FROM cursors WHERE conversation_id = ?`, conversationID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying cursor: %w", err)
	}
	return id, nil
}

package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/emberapp/chatlink/internal/wire"
)

func (s *Store) migrate() error {
	return s.migrateV1()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		sequence_number INTEGER NOT NULL DEFAULT 0,
		client_nonce TEXT NOT NULL DEFAULT '',
		sent_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sent_at);
	CREATE INDEX IF NOT EXISTS idx_messages_nonce ON messages(client_nonce);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		participants TEXT NOT NULL DEFAULT '[]',
		unread_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS cursors (
		conversation_id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("applying v1 schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (wire.Message, error) {
	var m wire.Message
	var sentAt int64
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content,
		&m.SequenceNumber, &m.ClientNonce, &sentAt); err != nil {
		return wire.Message{}, fmt.Errorf("scanning message: %w", err)
	}
	m.SentAt = time.UnixMilli(sentAt).UTC()
	return m, nil
}

func encodeParticipants(participants []string) (string, error) {
	if participants == nil {
		participants = []string{}
	}
	data, err := json.Marshal(participants)
	if err != nil {
		return "", fmt.Errorf("encoding participants: %w", err)
	}
	return string(data), nil
}

func decodeParticipants(raw string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decoding participants: %w", err)
	}
	return out, nil
}

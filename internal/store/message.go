package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertMessage inserts or updates a message by id under conversationID.
// The conversation must already exist.
func (db *DB) UpsertMessage(m *Message, conversationID string) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if _, err := conn.Exec(upsertMessageSQL,
		m.ID, conversationID, m.Timestamp, m.SenderID, m.PayloadURL, boolInt(m.IsRead), now); err != nil {
		return fmt.Errorf("upsert message %q: %w", m.ID, err)
	}
	m.ConversationID = conversationID
	m.SyncedAt = now
	return nil
}

// AppendCachedMessage adds a message to a conversation only while that
// conversation is cached, raising its last message timestamp. The check and
// the write share one transaction so an eviction cannot be undone by it.
// It reports whether the message was stored.
func (db *DB) AppendCachedMessage(m *Message, conversationID string) (bool, error) {
	now := time.Now().UnixMilli()
	stored := false
	err := db.withTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(`
			UPDATE conversations
			SET last_message_timestamp = MAX(last_message_timestamp, ?)
			WHERE conversation_id = ? AND is_cached = 1`,
			m.Timestamp, conversationID)
		if err != nil {
			return fmt.Errorf("touch conversation %q: %w", conversationID, err)
		}
		n, err := result.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		if err := upsertMessage(tx, m, conversationID, now); err != nil {
			return err
		}
		stored = true
		return nil
	})
	return stored, err
}

// GetMessages returns the messages of a conversation in ascending timestamp
// order. An unknown conversation yields an empty slice.
func (db *DB) GetMessages(conversationID string) ([]Message, error) {
	conn, err := db.handle()
	if err != nil {
		return nil, err
	}
	return listMessages(conn, conversationID)
}

const upsertMessageSQL = `
	INSERT INTO messages (message_id, conversation_id, timestamp, sender_id, payload_url, is_read, synced_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(message_id) DO UPDATE SET
		conversation_id = excluded.conversation_id,
		timestamp = excluded.timestamp,
		sender_id = excluded.sender_id,
		payload_url = excluded.payload_url,
		is_read = excluded.is_read,
		synced_at = excluded.synced_at`

func upsertMessage(tx *sql.Tx, m *Message, conversationID string, now int64) error {
	if _, err := tx.Exec(upsertMessageSQL,
		m.ID, conversationID, m.Timestamp, m.SenderID, m.PayloadURL, boolInt(m.IsRead), now); err != nil {
		return fmt.Errorf("upsert message %q: %w", m.ID, err)
	}
	m.ConversationID = conversationID
	m.SyncedAt = now
	return nil
}

func listMessages(conn *sql.DB, conversationID string) ([]Message, error) {
	rows, err := conn.Query(`
		SELECT message_id, conversation_id, timestamp, sender_id, payload_url, is_read, synced_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, message_id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Timestamp, &m.SenderID, &m.PayloadURL, &m.IsRead, &m.SyncedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

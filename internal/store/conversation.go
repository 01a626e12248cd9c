package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertConversation inserts or updates a conversation by id together with
// its participants and messages. LastMessageTimestamp is derived from the
// given messages (0 when there are none) and the row is flagged as cached.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	var lastTs int64
	for _, m := range c.Messages {
		lastTs = max(lastTs, m.Timestamp)
	}

	err := db.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO conversations (conversation_id, last_message_timestamp, synced_at, is_cached)
			VALUES (?, ?, ?, 1)
			ON CONFLICT(conversation_id) DO UPDATE SET
				last_message_timestamp = excluded.last_message_timestamp,
				synced_at = excluded.synced_at,
				is_cached = 1`,
			c.ID, lastTs, now); err != nil {
			return fmt.Errorf("upsert conversation %q: %w", c.ID, err)
		}

		if _, err := tx.Exec(`DELETE FROM conversation_participants WHERE conversation_id = ?`, c.ID); err != nil {
			return fmt.Errorf("clear participants %q: %w", c.ID, err)
		}
		for _, p := range c.Participants {
			if _, err := tx.Exec(`
				INSERT INTO conversation_participants (conversation_id, participant_id, last_read_at)
				VALUES (?, ?, ?)`,
				c.ID, p.ID, p.LastReadAt); err != nil {
				return fmt.Errorf("insert participant %q: %w", p.ID, err)
			}
		}

		for i := range c.Messages {
			if err := upsertMessage(tx, &c.Messages[i], c.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.LastMessageTimestamp = lastTs
	c.SyncedAt = now
	c.IsCached = true
	return nil
}

// GetRecentConversations returns up to limit cached conversations, most
// recent first, each populated with its messages in ascending order.
func (db *DB) GetRecentConversations(limit int) ([]Conversation, error) {
	if limit <= 0 {
		return []Conversation{}, nil
	}
	conn, err := db.handle()
	if err != nil {
		return nil, err
	}

	rows, err := conn.Query(`
		SELECT conversation_id, last_message_timestamp, synced_at, is_cached
		FROM conversations
		WHERE is_cached = 1
		ORDER BY last_message_timestamp DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	convs, err := scanConversations(rows)
	if err != nil {
		return nil, err
	}

	// Rows must be closed before the follow-up queries: the pool has one connection.
	for i := range convs {
		if err := db.hydrate(conn, &convs[i]); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// GetConversation returns a single conversation by id, or nil when absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	conn, err := db.handle()
	if err != nil {
		return nil, err
	}
	var c Conversation
	err = conn.QueryRow(`
		SELECT conversation_id, last_message_timestamp, synced_at, is_cached
		FROM conversations WHERE conversation_id = ?`, id).
		Scan(&c.ID, &c.LastMessageTimestamp, &c.SyncedAt, &c.IsCached)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := db.hydrate(conn, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *DB) hydrate(conn *sql.DB, c *Conversation) error {
	parts, err := listParticipants(conn, c.ID)
	if err != nil {
		return fmt.Errorf("participants %q: %w", c.ID, err)
	}
	msgs, err := listMessages(conn, c.ID)
	if err != nil {
		return fmt.Errorf("messages %q: %w", c.ID, err)
	}
	c.Participants = parts
	c.Messages = msgs
	return nil
}

func scanConversations(rows *sql.Rows) ([]Conversation, error) {
	defer func() { _ = rows.Close() }()

	convs := []Conversation{}
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.LastMessageTimestamp, &c.SyncedAt, &c.IsCached); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func listParticipants(conn *sql.DB, conversationID string) ([]Participant, error) {
	rows, err := conn.Query(`
		SELECT participant_id, last_read_at
		FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY participant_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var parts []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.LastReadAt); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

package store

import (
	"database/sql"
	"fmt"
	"time"
)

const pendingColumns = `local_id, conversation_id, payload_ref, timestamp, retry_count, last_error, status, next_attempt_at, message_id`

// InsertPending adds an outbound message to the queue with status pending.
func (db *DB) InsertPending(p *PendingMessage) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().UnixMilli()
	}
	p.Status = StatusPending
	_, err = conn.Exec(`
		INSERT INTO pending_messages (local_id, conversation_id, payload_ref, timestamp, status)
		VALUES (?, ?, ?, ?, ?)`,
		p.LocalID, p.ConversationID, p.PayloadRef, p.Timestamp, p.Status)
	if err != nil {
		return fmt.Errorf("insert pending %q: %w", p.LocalID, err)
	}
	return nil
}

// ListPending returns every queued message regardless of status, oldest first.
func (db *DB) ListPending() ([]PendingMessage, error) {
	return db.queryPending(`SELECT ` + pendingColumns + ` FROM pending_messages ORDER BY timestamp ASC, local_id ASC`)
}

// DrainablePending returns pending and failed messages whose next attempt is
// due at now (unix ms), in enqueue order.
func (db *DB) DrainablePending(now int64) ([]PendingMessage, error) {
	return db.queryPending(`
		SELECT `+pendingColumns+`
		FROM pending_messages
		WHERE status IN ('pending', 'failed') AND next_attempt_at <= ?
		ORDER BY timestamp ASC, local_id ASC`, now)
}

// GetPending returns one queued message, or nil when absent.
func (db *DB) GetPending(localID string) (*PendingMessage, error) {
	msgs, err := db.queryPending(`SELECT `+pendingColumns+` FROM pending_messages WHERE local_id = ?`, localID)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

// MarkPendingSending flags a message as being delivered.
func (db *DB) MarkPendingSending(localID string) error {
	return db.updatePending(`UPDATE pending_messages SET status = 'sending' WHERE local_id = ?`, localID)
}

// AssignPendingMessageID fixes the remote message id of a queued message.
// An id assigned earlier wins; the effective id is returned so every retry
// writes the same remote record.
func (db *DB) AssignPendingMessageID(localID, messageID string) (string, error) {
	conn, err := db.handle()
	if err != nil {
		return "", err
	}
	var id string
	err = conn.QueryRow(`
		UPDATE pending_messages
		SET message_id = CASE WHEN message_id = '' THEN ? ELSE message_id END
		WHERE local_id = ?
		RETURNING message_id`, messageID, localID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("assign message id %q: %w", localID, ErrPendingNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("assign message id %q: %w", localID, err)
	}
	return id, nil
}

// ReleasePending hands a message that was being delivered back to the
// queue without counting an attempt.
func (db *DB) ReleasePending(localID string) error {
	return db.updatePending(`
		UPDATE pending_messages
		SET status = CASE WHEN retry_count = 0 THEN 'pending' ELSE 'failed' END
		WHERE local_id = ? AND status = 'sending'`, localID)
}

// MarkPendingFailed records a failed delivery attempt. status must be
// failed or permanently_failed.
func (db *DB) MarkPendingFailed(localID, errMsg string, retryCount int, status PendingStatus, nextAttemptAt int64) error {
	if status != StatusFailed && status != StatusPermanentlyFailed {
		return fmt.Errorf("mark failed %q: invalid status %q", localID, status)
	}
	if errMsg == "" {
		errMsg = "unknown error"
	}
	return db.updatePending(`
		UPDATE pending_messages
		SET status = ?, last_error = ?, retry_count = ?, next_attempt_at = ?
		WHERE local_id = ?`,
		status, errMsg, retryCount, nextAttemptAt, localID)
}

// RetryPending puts a failed or permanently failed message back into the
// drainable set immediately. The retry counter starts over.
func (db *DB) RetryPending(localID string) (bool, error) {
	conn, err := db.handle()
	if err != nil {
		return false, err
	}
	result, err := conn.Exec(`
		UPDATE pending_messages
		SET status = 'pending', retry_count = 0, next_attempt_at = 0
		WHERE local_id = ? AND status IN ('failed', 'permanently_failed')`, localID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// DeletePendingMessage removes a delivered message. It reports whether a row
// was deleted.
func (db *DB) DeletePendingMessage(localID string) (bool, error) {
	conn, err := db.handle()
	if err != nil {
		return false, err
	}
	result, err := conn.Exec(`DELETE FROM pending_messages WHERE local_id = ?`, localID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// PendingCount returns how many messages still await delivery (pending or failed).
func (db *DB) PendingCount() (int64, error) {
	return db.count(`SELECT COUNT(*) FROM pending_messages WHERE status IN ('pending', 'failed')`)
}

// PermanentlyFailedCount returns how many messages exhausted their retries.
func (db *DB) PermanentlyFailedCount() (int64, error) {
	return db.count(`SELECT COUNT(*) FROM pending_messages WHERE status = 'permanently_failed'`)
}

// NextFutureRetryAt returns the earliest retry among failed messages that
// is scheduled after now (unix ms). Rows already due are not reported.
func (db *DB) NextFutureRetryAt(now int64) (at int64, ok bool, err error) {
	conn, err := db.handle()
	if err != nil {
		return 0, false, err
	}
	var next sql.NullInt64
	if err := conn.QueryRow(`
		SELECT MIN(next_attempt_at) FROM pending_messages
		WHERE status = 'failed' AND next_attempt_at > ?`, now).Scan(&next); err != nil {
		return 0, false, err
	}
	return next.Int64, next.Valid, nil
}

// RecoverInterrupted turns rows left in sending by a crash into failed
// attempts so they carry an error and are retried.
func (db *DB) RecoverInterrupted() (int64, error) {
	conn, err := db.handle()
	if err != nil {
		return 0, err
	}
	result, err := conn.Exec(`
		UPDATE pending_messages
		SET status = 'failed', last_error = 'interrupted', retry_count = retry_count + 1, next_attempt_at = 0
		WHERE status = 'sending'`)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted: %w", err)
	}
	return result.RowsAffected()
}

func (db *DB) updatePending(query string, args ...any) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	_, err = conn.Exec(query, args...)
	return err
}

func (db *DB) queryPending(query string, args ...any) ([]PendingMessage, error) {
	conn, err := db.handle()
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs := []PendingMessage{}
	for rows.Next() {
		var (
			p       PendingMessage
			lastErr sql.NullString
		)
		if err := rows.Scan(&p.LocalID, &p.ConversationID, &p.PayloadRef, &p.Timestamp,
			&p.RetryCount, &lastErr, &p.Status, &p.NextAttemptAt, &p.MessageID); err != nil {
			return nil, err
		}
		p.LastError = lastErr.String
		msgs = append(msgs, p)
	}
	return msgs, rows.Err()
}

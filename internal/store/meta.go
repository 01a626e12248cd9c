package store

import (
	"database/sql"
	"time"
)

// SetMeta stores a sync metadata value.
func (db *DB) SetMeta(key, value string) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = conn.Exec(`
		INSERT INTO sync_metadata (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetMeta returns a sync metadata value. ok is false when the key is unset.
func (db *DB) GetMeta(key string) (value string, ok bool, err error) {
	conn, err := db.handle()
	if err != nil {
		return "", false, err
	}
	err = conn.QueryRow(`SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

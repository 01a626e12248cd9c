package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// MarkCachedSet clears the cached flag on every conversation and sets it
// again for exactly ids. This is the mark phase of eviction.
func (db *DB) MarkCachedSet(ids []string) error {
	return db.withTx(func(tx *sql.Tx) error {
		return markCached(tx, ids)
	})
}

// SweepUncached deletes every conversation not flagged as cached. Messages
// and participants go with them through the cascade.
func (db *DB) SweepUncached() (int64, error) {
	var swept int64
	err := db.withTx(func(tx *sql.Tx) error {
		var err error
		swept, err = sweep(tx)
		return err
	})
	return swept, err
}

// Evict keeps exactly ids in the cache: mark and sweep in one transaction,
// so a crash can never leave the two phases half applied.
func (db *DB) Evict(ids []string) (int64, error) {
	var swept int64
	err := db.withTx(func(tx *sql.Tx) error {
		if err := markCached(tx, ids); err != nil {
			return err
		}
		var err error
		swept, err = sweep(tx)
		return err
	})
	return swept, err
}

func markCached(tx *sql.Tx, ids []string) error {
	if _, err := tx.Exec(`UPDATE conversations SET is_cached = 0`); err != nil {
		return fmt.Errorf("clear cached flag: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	if _, err := tx.Exec(`UPDATE conversations SET is_cached = 1 WHERE conversation_id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("mark cached: %w", err)
	}
	return nil
}

func sweep(tx *sql.Tx) (int64, error) {
	result, err := tx.Exec(`DELETE FROM conversations WHERE is_cached = 0`)
	if err != nil {
		return 0, fmt.Errorf("sweep uncached: %w", err)
	}
	return result.RowsAffected()
}

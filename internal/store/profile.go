package store

import (
	"database/sql"
	"fmt"
	"time"
)

const upsertProfileSQL = `
	INSERT INTO profiles_cache (uid, avatar_url, name, email, short_code, synced_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(uid) DO UPDATE SET
		avatar_url = excluded.avatar_url,
		name = excluded.name,
		email = excluded.email,
		short_code = excluded.short_code,
		synced_at = excluded.synced_at`

// UpsertProfile saves a profile snapshot. The last write wins.
func (db *DB) UpsertProfile(p *Profile) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if _, err := conn.Exec(upsertProfileSQL, p.UID, p.AvatarURL, p.Name, p.Email, p.ShortCode, now); err != nil {
		return fmt.Errorf("upsert profile %q: %w", p.UID, err)
	}
	p.SyncedAt = now
	return nil
}

// BulkUpsertProfiles saves multiple profiles in a single transaction.
func (db *DB) BulkUpsertProfiles(profiles []Profile) error {
	now := time.Now().UnixMilli()
	return db.withTx(func(tx *sql.Tx) error {
		for _, p := range profiles {
			if _, err := tx.Exec(upsertProfileSQL, p.UID, p.AvatarURL, p.Name, p.Email, p.ShortCode, now); err != nil {
				return fmt.Errorf("upsert profile %q: %w", p.UID, err)
			}
		}
		return nil
	})
}

// GetProfile returns a profile by uid, or nil when it is not cached.
func (db *DB) GetProfile(uid string) (*Profile, error) {
	conn, err := db.handle()
	if err != nil {
		return nil, err
	}
	var p Profile
	err = conn.QueryRow(`
		SELECT uid, avatar_url, name, email, short_code, synced_at
		FROM profiles_cache WHERE uid = ?`, uid).
		Scan(&p.UID, &p.AvatarURL, &p.Name, &p.Email, &p.ShortCode, &p.SyncedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotInitialized is returned by every operation called before Init.
var ErrNotInitialized = errors.New("store: not initialized")

// ErrPendingNotFound is returned when a queued message does not exist.
var ErrPendingNotFound = errors.New("store: pending message not found")

// DB is the connection manager for the on-device cache (cache.db).
// It owns exactly one SQLite connection; callers inject it rather than
// reaching for a package-level handle.
type DB struct {
	conn *sql.DB
	path string

	mu    sync.Mutex
	ready bool
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// The returned DB must be initialized with Init before use.
func Open(path string) (*DB, error) {
	return open(path, path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
}

// OpenMemory opens a private in-memory cache, used by tests and throwaway sessions.
func OpenMemory() (*DB, error) {
	name := "voxsync-" + uuid.NewString()
	return open(":memory:", "file:"+name+"?mode=memory&cache=shared&_busy_timeout=5000&_foreign_keys=on")
}

func open(path, dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One handle for the whole process; SQLite serializes writers anyway and
	// a single connection keeps transactions from tripping over each other.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{conn: conn, path: path}, nil
}

// Init creates all tables and indexes. Calling it again is a no-op.
func (db *DB) Init() (*MigrateResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.ready {
		return &MigrateResult{Version: SchemaVersion}, nil
	}
	result, err := db.migrate()
	if err != nil {
		return nil, err
	}
	db.ready = true
	return result, nil
}

// Initialized reports whether Init has completed.
func (db *DB) Initialized() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.ready
}

// Path returns the database file path, or ":memory:".
func (db *DB) Path() string { return db.path }

// Close releases the connection. The DB cannot be reused afterwards.
func (db *DB) Close() error {
	db.mu.Lock()
	db.ready = false
	db.mu.Unlock()
	return db.conn.Close()
}

func (db *DB) handle() (*sql.DB, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.ready {
		return nil, ErrNotInitialized
	}
	return db.conn, nil
}

// withTx runs fn in a transaction, rolling back on error.
func (db *DB) withTx(fn func(tx *sql.Tx) error) error {
	conn, err := db.handle()
	if err != nil {
		return err
	}
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ClearAll wipes every table. Used on logout or reset.
func (db *DB) ClearAll() error {
	return db.withTx(func(tx *sql.Tx) error {
		for _, table := range []string{
			"messages",
			"conversation_participants",
			"conversations",
			"profiles_cache",
			"pending_messages",
			"sync_metadata",
		} {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// ConversationCount returns the total number of cached conversations.
func (db *DB) ConversationCount() (int64, error) {
	return db.count(`SELECT COUNT(*) FROM conversations`)
}

// MessageCount returns the total number of cached messages.
func (db *DB) MessageCount() (int64, error) {
	return db.count(`SELECT COUNT(*) FROM messages`)
}

func (db *DB) count(query string, args ...any) (int64, error) {
	conn, err := db.handle()
	if err != nil {
		return 0, err
	}
	var n int64
	err = conn.QueryRow(query, args...).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

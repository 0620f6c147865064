// Package localdb persists a snapshot of the synchronized state (and the
// durable send outbox) in a profile-local SQLite database. It exists for
// warm starts: the daemon serves the last known view immediately while the
// first resync is in flight. The in-memory store and cache stay
// authoritative; this is write-through, never read back mid-session.
package localdb

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection for the profile-owned zapdesk.db.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended
// pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

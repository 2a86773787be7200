// Package storage holds the shared *sql.DB plumbing used by the entity,
// event, and blob stores (internal/storage/entitystore, eventstore,
// blobstore). It adapts the previous implementation's SQLiteStore construction
// (internal/storage/sqlite/sqlite.go) to a shared-handle model:
// spec.md §4.4/§5 calls for one writer-exclusive reader-writer lock per
// workspace database, rather than the previous implementation's one-database-per-store.
package storage

import (
	"database/sql"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/privstack/core/internal/pkgerrors"
)

// DB wraps a *sql.DB with the writer-exclusive gate spec.md §5 requires:
// many concurrent readers, one writer at a time.
type DB struct {
	Conn *sql.DB
	mu   sync.RWMutex
}

// Open opens (creating if needed) a SQLite database at path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "open database", err)
	}
	return &DB{Conn: conn}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.Conn.Close()
}

// Write runs fn while holding the exclusive writer lock, inside a single
// transaction: per spec.md §4.4 every high-level mutation is one
// transaction covering the entity row, event append, and any blob refcount
// change, rolled back together on any failure.
func (d *DB) Write(fn func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.Conn.Begin()
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "commit transaction", err)
	}
	return nil
}

// Read runs fn while holding the shared reader lock, allowing concurrent
// readers but excluding writers.
func (d *DB) Read(fn func(conn *sql.DB) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fn(d.Conn)
}

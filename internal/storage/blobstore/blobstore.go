// Package blobstore implements the content-addressed, namespace-scoped
// blob store: blob bytes live on disk keyed by (namespace, content_hash),
// and a SQLite table tracks per-owner reference counts so deletes are
// safe, per spec.md §3/§4.4. It extends the previous implementation's blob.Store
// (internal/blob/store.go), which addressed blobs by hash alone
// with no namespace or refcounting, fixing along the way a bug in the
// previous implementation's Put (it wrote into a per-hash-prefix subdirectory that only
// PutWithSubdir, never Put itself, created).
package blobstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/pkgerrors"
	"github.com/privstack/core/internal/storage"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS blob_refs (
	namespace TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	owner_entity_id TEXT NOT NULL,
	PRIMARY KEY (namespace, content_hash, owner_entity_id)
);
CREATE INDEX IF NOT EXISTS idx_blob_refs_blob ON blob_refs(namespace, content_hash);
`

// ContentHash is the sha256 hex digest of a blob's plaintext bytes.
type ContentHash string

// Store is the blob store for one workspace.
type Store struct {
	db  *storage.DB
	dir string
}

// New opens the blob store rooted at dataDir/blobs, creating the refcount
// table on db if needed.
func New(db *storage.DB, dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "blobs")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "create blob directory", err)
	}
	if err := db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(schemaDDL)
		return err
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "create blob_refs table", err)
	}
	return &Store{db: db, dir: dir}, nil
}

func computeHash(data []byte) ContentHash {
	sum := sha256.Sum256(data)
	return ContentHash(hex.EncodeToString(sum[:]))
}

func (s *Store) blobPath(namespace string, hash ContentHash) string {
	prefix := string(hash)[:2]
	return filepath.Join(s.dir, namespace, prefix, string(hash))
}

// Put writes encryptedBytes content-addressed under namespace and records
// owner as a referencing entity. Writes are idempotent by hash: storing
// the same bytes again for a different owner adds a reference rather than
// rewriting the file.
func (s *Store) Put(tx *sql.Tx, namespace string, encryptedBytes []byte, owner ids.EntityId) (ContentHash, error) {
	hash := computeHash(encryptedBytes)
	path := s.blobPath(namespace, hash)

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return "", pkgerrors.Wrap(pkgerrors.Internal, "stat blob", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return "", pkgerrors.Wrap(pkgerrors.Internal, "create blob subdirectory", err)
		}
		tmpPath := path + ".tmp"
		if err := os.WriteFile(tmpPath, encryptedBytes, 0600); err != nil {
			return "", pkgerrors.Wrap(pkgerrors.Internal, "write blob", err)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return "", pkgerrors.Wrap(pkgerrors.Internal, "finalize blob", err)
		}
	}

	_, err := tx.Exec(`
		INSERT INTO blob_refs (namespace, content_hash, owner_entity_id) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, namespace, string(hash), owner.String())
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.Internal, "record blob reference", err)
	}
	return hash, nil
}

// Get reads a blob's raw (still encrypted) bytes, verifying content-hash
// integrity.
func (s *Store) Get(namespace string, hash ContentHash) ([]byte, error) {
	path := s.blobPath(namespace, hash)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, pkgerrors.New(pkgerrors.NotFound, "blob "+string(hash))
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "read blob", err)
	}
	if computeHash(data) != hash {
		return nil, pkgerrors.New(pkgerrors.Corruption, "blob integrity check failed")
	}
	return data, nil
}

// Unref drops owner's reference to the blob inside tx; if no references
// remain, the underlying file is deleted once the transaction commits.
func (s *Store) Unref(tx *sql.Tx, namespace string, hash ContentHash, owner ids.EntityId) error {
	if _, err := tx.Exec(`
		DELETE FROM blob_refs WHERE namespace = ? AND content_hash = ? AND owner_entity_id = ?
	`, namespace, string(hash), owner.String()); err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "remove blob reference", err)
	}

	var count int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM blob_refs WHERE namespace = ? AND content_hash = ?
	`, namespace, string(hash)).Scan(&count); err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "count blob references", err)
	}
	if count == 0 {
		path := s.blobPath(namespace, hash)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return pkgerrors.Wrap(pkgerrors.Internal, "delete unreferenced blob", err)
		}
	}
	return nil
}

// RefCount returns how many entities currently reference the blob.
func (s *Store) RefCount(namespace string, hash ContentHash) (int, error) {
	var count int
	err := s.db.Read(func(conn *sql.DB) error {
		return conn.QueryRow(`
			SELECT COUNT(*) FROM blob_refs WHERE namespace = ? AND content_hash = ?
		`, namespace, string(hash)).Scan(&count)
	})
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.Internal, "count blob references", err)
	}
	return count, nil
}

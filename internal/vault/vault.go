// Package vault implements the password-scoped encrypted KV overlay that
// shares the workspace's database file but never its key, per spec.md
// §4.5. Each named vault owns an independent salt and verification token
// so multiple vaults coexist without cross-contaminating key material.
// Builds on the previous implementation's multi-vault Manager (internal/vault/manager.go
//), which tracked vault metadata but had no encryption of its
// own, by layering crypto.FileKeyStore-style unlock semantics
// (internal/crypto/store.go) onto a dedicated per-vault table.
package vault

import (
	"database/sql"

	"github.com/privstack/core/internal/crypto"
	"github.com/privstack/core/internal/pkgerrors"
	"github.com/privstack/core/internal/storage"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS vault_meta (
	vault_name TEXT PRIMARY KEY,
	salt BLOB NOT NULL,
	verification_ciphertext BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS vault_kv (
	vault_name TEXT NOT NULL,
	key TEXT NOT NULL,
	encrypted_value BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	modified_at INTEGER NOT NULL,
	PRIMARY KEY (vault_name, key)
);
`

const verificationConstant = "privstack-vault-verify-v1"

// Store manages every named vault sharing one database file.
type Store struct {
	db *storage.DB
}

// New opens (creating if needed) the vault tables on db.
func New(db *storage.DB) (*Store, error) {
	s := &Store{db: db}
	if err := db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(schemaDDL)
		return err
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "create vault tables", err)
	}
	return s, nil
}

// CreateVault initializes a new named vault with its own salt and
// verification token. It is an error to create a vault name that already
// exists.
func (s *Store) CreateVault(name string, password []byte) error {
	var exists bool
	if err := s.db.Read(func(conn *sql.DB) error {
		var x int
		err := conn.QueryRow("SELECT 1 FROM vault_meta WHERE vault_name = ?", name).Scan(&x)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "check existing vault", err)
	}
	if exists {
		return pkgerrors.New(pkgerrors.Internal, "vault already exists: "+name)
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	key := crypto.DeriveKey(password, salt)
	defer key.Zero()

	verification, err := crypto.Encrypt(key, []byte(verificationConstant), []byte(name))
	if err != nil {
		return err
	}

	return s.db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO vault_meta (vault_name, salt, verification_ciphertext) VALUES (?, ?, ?)`,
			name, salt, verification)
		return err
	})
}

// Unlocked is a handle to one vault's derived key, scoped to the duration
// of the operations the caller performs before calling Lock.
type Unlocked struct {
	store *Store
	name  string
	key   crypto.Key
}

// Unlock derives the vault's key from password and verifies it against the
// stored token without revealing, on mismatch, whether the vault exists at
// all versus the password being wrong -- both report BadPassword.
func (s *Store) Unlock(name string, password []byte) (*Unlocked, error) {
	var salt, verification []byte
	err := s.db.Read(func(conn *sql.DB) error {
		return conn.QueryRow(`SELECT salt, verification_ciphertext FROM vault_meta WHERE vault_name = ?`, name).
			Scan(&salt, &verification)
	})
	if err == sql.ErrNoRows {
		return nil, pkgerrors.New(pkgerrors.BadPassword, "no such vault or wrong password")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "read vault metadata", err)
	}

	key := crypto.DeriveKey(password, salt)
	plaintext, err := crypto.Decrypt(key, verification, []byte(name))
	if err != nil || string(plaintext) != verificationConstant {
		key.Zero()
		return nil, pkgerrors.New(pkgerrors.BadPassword, "no such vault or wrong password")
	}

	return &Unlocked{store: s, name: name, key: key}, nil
}

// Lock zeroizes the derived key; subsequent operations on this handle
// fail Locked.
func (u *Unlocked) Lock() {
	u.key.Zero()
	u.key = crypto.Key{}
}

func (u *Unlocked) locked() bool {
	return u.key == crypto.Key{}
}

// Put encrypts and stores value under key within this vault.
func (u *Unlocked) Put(key string, value []byte, now int64) error {
	if u.locked() {
		return pkgerrors.New(pkgerrors.Locked, "vault is locked")
	}
	ciphertext, err := crypto.Encrypt(u.key, value, []byte(u.name+":"+key))
	if err != nil {
		return err
	}
	return u.store.db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO vault_kv (vault_name, key, encrypted_value, created_at, modified_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(vault_name, key) DO UPDATE SET encrypted_value = excluded.encrypted_value, modified_at = excluded.modified_at
		`, u.name, key, ciphertext, now, now)
		return err
	})
}

// Get decrypts and returns the value stored under key.
func (u *Unlocked) Get(key string) ([]byte, error) {
	if u.locked() {
		return nil, pkgerrors.New(pkgerrors.Locked, "vault is locked")
	}

	var ciphertext []byte
	err := u.store.db.Read(func(conn *sql.DB) error {
		return conn.QueryRow(`SELECT encrypted_value FROM vault_kv WHERE vault_name = ? AND key = ?`, u.name, key).Scan(&ciphertext)
	})
	if err == sql.ErrNoRows {
		return nil, pkgerrors.New(pkgerrors.NotFound, "vault key "+key)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "read vault key", err)
	}

	return crypto.Decrypt(u.key, ciphertext, []byte(u.name+":"+key))
}

// ListVaults returns the names of every vault created in this store.
func (s *Store) ListVaults() ([]string, error) {
	var names []string
	err := s.db.Read(func(conn *sql.DB) error {
		rows, err := conn.Query(`SELECT vault_name FROM vault_meta ORDER BY vault_name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			names = append(names, name)
		}
		return rows.Err()
	})
	return names, err
}

// Delete removes key from this vault.
func (u *Unlocked) Delete(key string) error {
	if u.locked() {
		return pkgerrors.New(pkgerrors.Locked, "vault is locked")
	}
	return u.store.db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM vault_kv WHERE vault_name = ? AND key = ?`, u.name, key)
		return err
	})
}

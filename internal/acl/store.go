package acl

import (
	"database/sql"
	"encoding/json"

	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/pkgerrors"
	"github.com/privstack/core/internal/storage"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS acl_state (
	entity_id TEXT PRIMARY KEY,
	state TEXT NOT NULL
);
`

// Store persists one ACL snapshot per entity, keyed by entity id. It
// replaces the previous implementation's entry_acl table (internal/acl/store.go),
// which stored last-writer-wins readers/writers slices directly
// as columns; here the whole CRDT state round-trips through JSON since
// the OR-sets' tag bookkeeping isn't itself meant to be queried.
type Store struct {
	db        *storage.DB
	localPeer ids.PeerId
}

// OpenStore opens (creating if needed) the acl_state table on db.
func OpenStore(db *storage.DB, localPeer ids.PeerId) (*Store, error) {
	s := &Store{db: db, localPeer: localPeer}
	if err := db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(schemaDDL)
		return err
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "create acl_state table", err)
	}
	return s, nil
}

// Load returns the ACL for entityID, or a fresh owner-only ACL if none has
// been stored yet.
func (s *Store) Load(entityID ids.EntityId, ownerIfAbsent ids.PeerId, nowMillis uint64) (*ACL, error) {
	var raw string
	err := s.db.Read(func(conn *sql.DB) error {
		return conn.QueryRow(`SELECT state FROM acl_state WHERE entity_id = ?`, entityID.String()).Scan(&raw)
	})
	if err == sql.ErrNoRows {
		return New(entityID, ownerIfAbsent, hlcZero(nowMillis)), nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "read acl state", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Corruption, "decode acl state", err)
	}
	return FromSnapshot(s.localPeer, snap), nil
}

// Save persists a's current state inside tx, replacing any prior snapshot
// for the same entity.
func (s *Store) Save(tx *sql.Tx, a *ACL) error {
	raw, err := json.Marshal(a.Snapshot())
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "encode acl state", err)
	}
	_, err = tx.Exec(`
		INSERT INTO acl_state (entity_id, state) VALUES (?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET state = excluded.state
	`, a.EntityID.String(), string(raw))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "write acl state", err)
	}
	return nil
}

// MergeAndSave loads the stored ACL for incoming.EntityID (or creates an
// owner-only one), merges in incoming, and persists the result -- the
// shape every applied ACL/team event takes when arriving from the sync
// engine.
func (s *Store) MergeAndSave(tx *sql.Tx, incoming *ACL, nowMillis uint64) (*ACL, error) {
	var raw string
	err := tx.QueryRow(`SELECT state FROM acl_state WHERE entity_id = ?`, incoming.EntityID.String()).Scan(&raw)
	var current *ACL
	switch {
	case err == sql.ErrNoRows:
		current = New(incoming.EntityID, s.localPeer, hlcZero(nowMillis))
	case err != nil:
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "read acl state", err)
	default:
		var snap Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.Corruption, "decode acl state", err)
		}
		current = FromSnapshot(s.localPeer, snap)
	}

	merged := current.Merge(incoming)
	if err := s.Save(tx, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// Package entitystore implements the entity store: one table per
// entity-type, holding an encrypted payload plus the registry's indexed
// projections in plaintext so queries can filter and sort without
// decrypting, per spec.md §4.4. It adapts the previous implementation's SQLiteStore
// (internal/storage/sqlite/sqlite.go), which kept a single
// fixed entries+tags table pair, into a store whose tables are created
// per entity_type on first use, the way the schema registry's dynamic
// type set requires.
package entitystore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/privstack/core/internal/crypto"
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
	"github.com/privstack/core/internal/pkgerrors"
	"github.com/privstack/core/internal/registry"
	"github.com/privstack/core/internal/storage"
)

var validEntityType = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Store is the entity store for one workspace.
type Store struct {
	db       *storage.DB
	registry *registry.Registry
	created  map[string]bool
}

// New returns an entity store backed by db, resolving indexed fields and
// merge strategies through reg.
func New(db *storage.DB, reg *registry.Registry) *Store {
	return &Store{db: db, registry: reg, created: make(map[string]bool)}
}

func tableName(entityType string) (string, error) {
	if !validEntityType.MatchString(entityType) {
		return "", pkgerrors.New(pkgerrors.Internal, "entity_type is not a valid table suffix: "+entityType)
	}
	return "entities_" + entityType, nil
}

func (s *Store) ensureTable(tx *sql.Tx, entityType string) error {
	if s.created[entityType] {
		return nil
	}
	table, err := tableName(entityType)
	if err != nil {
		return err
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			entity_key BLOB NOT NULL,
			indexed_fields TEXT NOT NULL DEFAULT '{}',
			field_timestamps TEXT,
			created_at INTEGER NOT NULL,
			modified_at INTEGER NOT NULL,
			created_by TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_modified ON %s(modified_at);
	`, table, table, table)

	if _, err := tx.Exec(ddl); err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "create entity table", err)
	}
	s.created[entityType] = true
	return nil
}

// Put encrypts entity.Data under entityKey (wrapped under masterKey) and
// upserts the row plus its indexed projections, inside tx so callers can
// cover the event-log append in the same transaction (spec.md §4.4's
// atomicity boundary).
func (s *Store) Put(tx *sql.Tx, entity model.Entity, entityKey crypto.Key, masterKey crypto.Key) error {
	if err := s.ensureTable(tx, entity.EntityType); err != nil {
		return err
	}

	indexed, err := s.registry.ExtractIndexed(entity)
	if err != nil {
		return err
	}
	indexedJSON, err := json.Marshal(indexed)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "marshal indexed fields", err)
	}

	var fieldTSJSON []byte
	if len(entity.FieldTimestamps) > 0 {
		fieldTSJSON, err = json.Marshal(entity.FieldTimestamps)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.Internal, "marshal field timestamps", err)
		}
	}

	aad := crypto.EntityAAD(entity.EntityType, entity.ID.String())
	ciphertext, err := crypto.Encrypt(entityKey, entity.Data, aad)
	if err != nil {
		return err
	}

	wrappedKey, err := crypto.WrapEntityKey(masterKey, entityKey)
	if err != nil {
		return err
	}

	table, err := tableName(entity.EntityType)
	if err != nil {
		return err
	}

	_, err = tx.Exec(fmt.Sprintf(`
		INSERT INTO %s (id, payload, entity_key, indexed_fields, field_timestamps, created_at, modified_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			entity_key = excluded.entity_key,
			indexed_fields = excluded.indexed_fields,
			field_timestamps = excluded.field_timestamps,
			modified_at = excluded.modified_at
	`, table), entity.ID.String(), ciphertext, wrappedKey, string(indexedJSON), nullableString(fieldTSJSON),
		entity.CreatedAt, entity.ModifiedAt, entity.CreatedBy.String())
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "upsert entity row", err)
	}
	return nil
}

// Get decrypts and returns the entity, unwrapping its per-entity key
// ephemerally for the duration of this call only.
func (s *Store) Get(entityType string, id ids.EntityId, masterKey crypto.Key) (model.Entity, error) {
	table, err := tableName(entityType)
	if err != nil {
		return model.Entity{}, err
	}

	var payload, wrappedKey []byte
	var indexedJSON string
	var fieldTSJSON sql.NullString
	var createdAt, modifiedAt int64
	var createdByStr string

	err = s.db.Read(func(conn *sql.DB) error {
		return conn.QueryRow(fmt.Sprintf(`
			SELECT payload, entity_key, indexed_fields, field_timestamps, created_at, modified_at, created_by
			FROM %s WHERE id = ?
		`, table), id.String()).Scan(&payload, &wrappedKey, &indexedJSON, &fieldTSJSON, &createdAt, &modifiedAt, &createdByStr)
	})
	if err == sql.ErrNoRows {
		return model.Entity{}, pkgerrors.New(pkgerrors.NotFound, "entity "+id.String())
	}
	if err != nil {
		return model.Entity{}, pkgerrors.Wrap(pkgerrors.Internal, "query entity row", err)
	}

	entityKey, err := crypto.UnwrapEntityKey(masterKey, wrappedKey)
	if err != nil {
		return model.Entity{}, err
	}
	defer entityKey.Zero()

	aad := crypto.EntityAAD(entityType, id.String())
	data, err := crypto.Decrypt(entityKey, payload, aad)
	if err != nil {
		return model.Entity{}, err
	}

	createdBy, err := ids.ParsePeerId(createdByStr)
	if err != nil {
		return model.Entity{}, pkgerrors.Wrap(pkgerrors.Corruption, "parse created_by", err)
	}

	entity := model.Entity{
		ID: id, EntityType: entityType, Data: data,
		CreatedAt: createdAt, ModifiedAt: modifiedAt, CreatedBy: createdBy,
	}
	if fieldTSJSON.Valid {
		if err := json.Unmarshal([]byte(fieldTSJSON.String), &entity.FieldTimestamps); err != nil {
			return model.Entity{}, pkgerrors.Wrap(pkgerrors.Corruption, "parse field timestamps", err)
		}
	}

	s.registry.OnAfterLoad(&entity)
	return entity, nil
}

// ListFilter narrows Query results. Projected (indexed) column comparisons
// run against the plaintext indexed_fields JSON without decrypting
// payloads, per spec.md §4.4's contract.
type ListFilter struct {
	EntityType    string
	IndexedEquals map[string]string // field name -> exact value match, via SQLite's json_extract
	Limit         int
}

// Query lists the ids of entityType's entities matching filter, most
// recently modified first, without decrypting payloads.
func (s *Store) Query(filter ListFilter) ([]ids.EntityId, error) {
	table, err := tableName(filter.EntityType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT id FROM %s WHERE 1=1", table)
	var args []interface{}
	for field, want := range filter.IndexedEquals {
		query += fmt.Sprintf(" AND json_extract(indexed_fields, '$.%s') = ?", field)
		args = append(args, want)
	}
	query += " ORDER BY modified_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var out []ids.EntityId
	err = s.db.Read(func(conn *sql.DB) error {
		rows, err := conn.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var idStr string
			if err := rows.Scan(&idStr); err != nil {
				return err
			}
			id, err := ids.ParseEntityId(idStr)
			if err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "query entities", err)
	}
	return out, nil
}

// QueryRaw lists entity ids for entityType matching a pre-rendered
// whereSQL/args clause (internal/query.Query.ToSQL), for callers that need
// the SQL-like query DSL's comparisons/ordering beyond Query's exact-match
// IndexedEquals filter.
func (s *Store) QueryRaw(entityType, whereSQL string, args []interface{}) ([]ids.EntityId, error) {
	table, err := tableName(entityType)
	if err != nil {
		return nil, err
	}

	sqlStr := fmt.Sprintf("SELECT id FROM %s %s", table, whereSQL)

	var out []ids.EntityId
	err = s.db.Read(func(conn *sql.DB) error {
		rows, err := conn.Query(sqlStr, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var idStr string
			if err := rows.Scan(&idStr); err != nil {
				return err
			}
			id, err := ids.ParseEntityId(idStr)
			if err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "query entities (raw)", err)
	}
	return out, nil
}

// TypeExists reports whether entityType's table has ever been created,
// i.e. whether Put has been called for it at least once. Callers that
// enumerate every registered type (e.g. a full workspace export) use
// this to skip types with no data rather than querying a table that
// was never created.
func (s *Store) TypeExists(entityType string) (bool, error) {
	table, err := tableName(entityType)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.db.Read(func(conn *sql.DB) error {
		row := conn.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name=?", table)
		var dummy int
		scanErr := row.Scan(&dummy)
		if scanErr == sql.ErrNoRows {
			exists = false
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.Internal, "check entity table exists", err)
	}
	return exists, nil
}

// Delete removes entity's row. Entity store deletes are physical; the
// logical tombstone for CRDT purposes lives in the event log
// (EntityDeleted events), per spec.md §3.
func (s *Store) Delete(tx *sql.Tx, entityType string, id ids.EntityId) error {
	table, err := tableName(entityType)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id.String()); err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "delete entity row", err)
	}
	return nil
}

func nullableString(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

// Package eventstore implements the append-only event log, indexed by
// (entity_id, timestamp) and by peer_id for the sync engine's diff and
// transfer phases, per spec.md §4.4. It follows the previous implementation's
// append-only-table-per-concern style (internal/version/store.go,
// internal/acl/store.go), generalized from entry versions to
// the full Event/EventPayload shape.
package eventstore

import (
	"database/sql"
	"encoding/json"

	"github.com/privstack/core/internal/hlc"
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
	"github.com/privstack/core/internal/pkgerrors"
	"github.com/privstack/core/internal/storage"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	timestamp_millis INTEGER NOT NULL,
	timestamp_counter INTEGER NOT NULL,
	peer_id TEXT NOT NULL,
	depends_on TEXT NOT NULL DEFAULT '[]',
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_entity_ts ON events(entity_id, timestamp_millis, timestamp_counter);
CREATE INDEX IF NOT EXISTS idx_events_peer ON events(peer_id);
`

// Store is the append-only event log for one workspace.
type Store struct {
	db *storage.DB
}

// New opens (creating if needed) the event table on db.
func New(db *storage.DB) (*Store, error) {
	s := &Store{db: db}
	if err := db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(schemaDDL)
		return err
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "create event table", err)
	}
	return s, nil
}

// Append writes event inside tx, so callers can cover it in the same
// transaction as the entity-store mutation it accompanies.
func (s *Store) Append(tx *sql.Tx, event model.Event) error {
	dependsOn := make([]string, len(event.DependsOn))
	for i, id := range event.DependsOn {
		dependsOn[i] = id.String()
	}
	dependsOnJSON, err := json.Marshal(dependsOn)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "marshal depends_on", err)
	}
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "marshal payload", err)
	}

	_, err = tx.Exec(`
		INSERT INTO events (event_id, entity_id, entity_type, timestamp_millis, timestamp_counter, peer_id, depends_on, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, event.ID.String(), event.EntityID.String(), event.EntityType,
		event.Timestamp.Millis, event.Timestamp.Counter, event.PeerID.String(),
		string(dependsOnJSON), string(payloadJSON))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "append event", err)
	}
	return nil
}

// Has reports whether eventID is already present in the log, used by the
// sync engine's dependency-parking check (spec.md §4.6 step 3).
func (s *Store) Has(eventID ids.EventId) (bool, error) {
	var found bool
	err := s.db.Read(func(conn *sql.DB) error {
		var x int
		err := conn.QueryRow("SELECT 1 FROM events WHERE event_id = ?", eventID.String()).Scan(&x)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// ForEntitySince returns every event for entity ordered by (timestamp,
// peer_id) ascending, the order spec.md §5 requires events be applied in
// regardless of arrival order. sinceMillis/sinceCounter filter to events
// strictly after that point; pass (0,0) for the full history.
func (s *Store) ForEntitySince(entityID ids.EntityId, sinceMillis uint64, sinceCounter uint32) ([]model.Event, error) {
	var events []model.Event
	err := s.db.Read(func(conn *sql.DB) error {
		rows, err := conn.Query(`
			SELECT event_id, entity_id, entity_type, timestamp_millis, timestamp_counter, peer_id, depends_on, payload
			FROM events
			WHERE entity_id = ? AND (timestamp_millis > ? OR (timestamp_millis = ? AND timestamp_counter > ?))
			ORDER BY timestamp_millis ASC, timestamp_counter ASC, peer_id ASC
		`, entityID.String(), sinceMillis, sinceMillis, sinceCounter)
		if err != nil {
			return err
		}
		defer rows.Close()
		events, err = scanEvents(rows)
		return err
	})
	return events, err
}

// EntityIDs returns every distinct entity that has at least one event in
// the log, used by the sync engine to enumerate which vector clocks to
// compare against a remote peer's ReplicaState.
func (s *Store) EntityIDs() ([]ids.EntityId, error) {
	var out []ids.EntityId
	err := s.db.Read(func(conn *sql.DB) error {
		rows, err := conn.Query(`SELECT DISTINCT entity_id FROM events`)
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
	return out, err
}

// ForPeer returns every event produced by peerID, ordered by timestamp.
func (s *Store) ForPeer(peerID ids.PeerId) ([]model.Event, error) {
	var events []model.Event
	err := s.db.Read(func(conn *sql.DB) error {
		rows, err := conn.Query(`
			SELECT event_id, entity_id, entity_type, timestamp_millis, timestamp_counter, peer_id, depends_on, payload
			FROM events WHERE peer_id = ? ORDER BY timestamp_millis ASC, timestamp_counter ASC
		`, peerID.String())
		if err != nil {
			return err
		}
		defer rows.Close()
		events, err = scanEvents(rows)
		return err
	})
	return events, err
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var out []model.Event
	for rows.Next() {
		var eventIDStr, entityIDStr, entityType, peerIDStr, dependsOnJSON, payloadJSON string
		var millis uint64
		var counter uint32

		if err := rows.Scan(&eventIDStr, &entityIDStr, &entityType, &millis, &counter, &peerIDStr, &dependsOnJSON, &payloadJSON); err != nil {
			return nil, err
		}

		eventID, err := ids.ParseEventId(eventIDStr)
		if err != nil {
			return nil, err
		}
		entityID, err := ids.ParseEntityId(entityIDStr)
		if err != nil {
			return nil, err
		}
		peerID, err := ids.ParsePeerId(peerIDStr)
		if err != nil {
			return nil, err
		}

		var dependsOnStrs []string
		if err := json.Unmarshal([]byte(dependsOnJSON), &dependsOnStrs); err != nil {
			return nil, err
		}
		dependsOn := make([]ids.EventId, len(dependsOnStrs))
		for i, s := range dependsOnStrs {
			dependsOn[i], err = ids.ParseEventId(s)
			if err != nil {
				return nil, err
			}
		}

		var payload model.EventPayload
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, err
		}

		out = append(out, model.Event{
			ID: eventID, EntityID: entityID, EntityType: entityType,
			Timestamp: hlc.Timestamp{Millis: millis, Counter: counter},
			PeerID:    peerID, DependsOn: dependsOn, Payload: payload,
		})
	}
	return out, rows.Err()
}

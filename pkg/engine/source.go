package engine

import (
	"database/sql"

	"github.com/privstack/core/internal/acl"
	"github.com/privstack/core/internal/crdt"
	"github.com/privstack/core/internal/crypto"
	"github.com/privstack/core/internal/hooks"
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
	"github.com/privstack/core/internal/pkgerrors"
)

// newEntityKey generates a fresh per-write entity key; entitystore.Put
// wraps it under the master key on every call, so re-keying on each
// write (rather than reusing the entity's original key) costs nothing
// and keeps key lifetime short.
func newEntityKey() (crypto.Key, error) {
	return crypto.GenerateKey()
}

// Handle implements synceng.EventSource directly, replacing the previous implementation's
// separate adapter.go (internal/sync/adapter.go) that translated
// between its fixed Entry type and the sync stack: here the entity/event
// model is already the sync stack's native shape, so no translation layer
// is needed.

// ReplicaState builds the current per-entity vector clock set: each
// entity's clock holds, per peer_id, the number of stored events that peer
// authored for it. These are the clocks exchanged at session start
// (spec.md §4.6 step 1).
func (h *Handle) ReplicaState() (*crdt.ReplicaState, error) {
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}
	entityIDs, err := h.events.EntityIDs()
	if err != nil {
		return nil, err
	}

	state := crdt.NewReplicaState()
	for _, entityID := range entityIDs {
		events, err := h.events.ForEntitySince(entityID, 0, 0)
		if err != nil {
			return nil, err
		}
		clock := state.ClockFor(entityID)
		for _, ev := range events {
			clock.Update(ev.PeerID, clock.Get(ev.PeerID)+1)
		}
	}
	return state, nil
}

// EntityIDs enumerates every entity with at least one local event.
func (h *Handle) EntityIDs() ([]ids.EntityId, error) {
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}
	return h.events.EntityIDs()
}

// EventsForEntity returns every local event for entity in (timestamp,
// peer_id) order.
func (h *Handle) EventsForEntity(entity ids.EntityId) ([]model.Event, error) {
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}
	return h.events.ForEntitySince(entity, 0, 0)
}

// HasEvent reports whether eventID is already durable locally.
func (h *Handle) HasEvent(eventID ids.EventId) (bool, error) {
	if err := h.requireUnlocked(); err != nil {
		return false, err
	}
	return h.events.Has(eventID)
}

// ApplyEvent merges a remote event into local state: ACL/team events
// update the entity's ACL CRDT, everything else reconciles through the
// registry's declared merge strategy against the locally stored entity
// (or is applied directly, for a first-seen entity). It mirrors
// spec.md §4.6 step 3's "apply in dependency order" contract; the sync
// session only calls this once every event in DependsOn already
// satisfies HasEvent.
func (h *Handle) ApplyEvent(ev model.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return err
	}

	switch ev.Payload.Type {
	case model.EventAclGrantPeer, model.EventAclRevokePeer,
		model.EventAclGrantTeam, model.EventAclRevokeTeam,
		model.EventAclSetDefault, model.EventTeamAddPeer, model.EventTeamRemovePeer:
		return h.applyACLEvent(ev)
	case model.EventEntityDeleted:
		return h.applyDeleteEvent(ev)
	default:
		return h.applyEntityEvent(ev)
	}
}

func (h *Handle) applyACLEvent(ev model.Event) error {
	if err := h.db.Write(func(tx *sql.Tx) error {
		incoming, err := h.acls.Load(ev.EntityID, ev.PeerID, ev.Timestamp.Millis)
		if err != nil {
			return err
		}
		if err := acl.ApplyEvent(incoming, ev); err != nil {
			return err
		}
		_, err = h.acls.MergeAndSave(tx, incoming, ev.Timestamp.Millis)
		return err
	}); err != nil {
		return err
	}
	h.publish(ev)
	return nil
}

func (h *Handle) applyDeleteEvent(ev model.Event) error {
	if err := h.appendEventLocked(ev, func(tx *sql.Tx) error {
		return h.entities.Delete(tx, ev.EntityType, ev.EntityID)
	}); err != nil {
		return err
	}
	h.deindexEntity(ev.EntityID)
	h.hooks.TriggerAsync(hooks.HookEvent{
		Type: hooks.EventSync, EntityID: ev.EntityID, EntityType: ev.EntityType,
		Timestamp: now(), PeerID: ev.PeerID.String(),
	})
	return nil
}

func (h *Handle) applyEntityEvent(ev model.Event) error {
	if _, ok := h.reg.Get(ev.EntityType); !ok {
		return pkgerrors.New(pkgerrors.UnknownType, ev.EntityType)
	}

	remote := model.Entity{
		ID:         ev.EntityID,
		EntityType: ev.EntityType,
		Data:       ev.Payload.Data,
		CreatedAt:  ev.Timestamp.Millis,
		ModifiedAt: ev.Timestamp.Millis,
		CreatedBy:  ev.PeerID,
	}

	existing, err := h.entities.Get(ev.EntityType, ev.EntityID, h.master)
	merged := remote
	if err == nil {
		merged, err = h.reg.Merge(existing, remote)
		if err != nil {
			return err
		}
	} else if !pkgerrors.Is(err, pkgerrors.NotFound) {
		return err
	}

	if err := h.reg.Validate(merged); err != nil {
		return err
	}

	entityKey, err := newEntityKey()
	if err != nil {
		return err
	}
	defer entityKey.Zero()

	if err := h.appendEventLocked(ev, func(tx *sql.Tx) error {
		return h.entities.Put(tx, merged, entityKey, h.master)
	}); err != nil {
		return err
	}
	h.indexEntity(merged)
	h.hooks.TriggerAsync(hooks.HookEvent{
		Type: hooks.EventSync, EntityID: merged.ID, EntityType: merged.EntityType,
		Data: merged.Data, Timestamp: now(), PeerID: ev.PeerID.String(),
	})
	return nil
}

// appendEventLocked writes apply and the event record in one transaction.
// Unlike appendEvent (used for locally originated mutations, which also
// takes h.mu), callers here already hold h.mu via ApplyEvent.
func (h *Handle) appendEventLocked(ev model.Event, apply func(tx *sql.Tx) error) error {
	if err := h.db.Write(func(tx *sql.Tx) error {
		if err := apply(tx); err != nil {
			return err
		}
		return h.events.Append(tx, ev)
	}); err != nil {
		return err
	}
	h.publish(ev)
	return nil
}

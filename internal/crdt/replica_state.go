package crdt

import "github.com/privstack/core/internal/ids"

// ReplicaState is the clock state PrivStack exchanges during sync: one
// vector clock per entity. It carries no entity documents; those travel
// as events, and the registry package owns field-level merge.
// It adapts the previous implementation's ReplicaState/DeltaReplicaState pair
// (internal/crdt/replica.go), which bundled a single LWWSet, a
// single ORSet, and a Lamport clock for one fixed entry collection, into a
// generic per-entity clock carrier that the sync engine keys by EntityId.
type ReplicaState struct {
	Clocks map[ids.EntityId]*VectorClock `json:"-"`
}

// NewReplicaState returns an empty state.
func NewReplicaState() *ReplicaState {
	return &ReplicaState{Clocks: make(map[ids.EntityId]*VectorClock)}
}

// ClockFor returns the vector clock tracked for entity, creating an empty
// one on first access.
func (rs *ReplicaState) ClockFor(entity ids.EntityId) *VectorClock {
	if rs.Clocks[entity] == nil {
		rs.Clocks[entity] = NewVectorClock()
	}
	return rs.Clocks[entity]
}

// DeltaReplicaState is the subset of clocks that changed since a
// previously exchanged ReplicaState. The session protocol does not use
// it: it exchanges full ReplicaState clocks and transfers event batches.
type DeltaReplicaState struct {
	Changed map[ids.EntityId]*VectorClock
}

// NewDeltaReplicaState returns an empty delta.
func NewDeltaReplicaState() *DeltaReplicaState {
	return &DeltaReplicaState{Changed: make(map[ids.EntityId]*VectorClock)}
}

// Add records that entity's clock changed to clock.
func (d *DeltaReplicaState) Add(entity ids.EntityId, clock *VectorClock) {
	d.Changed[entity] = clock
}

// ReplicaStateSnapshot is the wire/storage shape of a ReplicaState.
type ReplicaStateSnapshot struct {
	Clocks map[ids.EntityId]map[ids.PeerId]uint64 `json:"clocks"`
}

// Snapshot returns the state's wire representation.
func (rs *ReplicaState) Snapshot() ReplicaStateSnapshot {
	snap := ReplicaStateSnapshot{Clocks: make(map[ids.EntityId]map[ids.PeerId]uint64, len(rs.Clocks))}
	for entity, clock := range rs.Clocks {
		snap.Clocks[entity] = clock.Snapshot()
	}
	return snap
}

// ReplicaStateFromSnapshot rebuilds a state from a deserialized snapshot.
func ReplicaStateFromSnapshot(snap ReplicaStateSnapshot) *ReplicaState {
	rs := NewReplicaState()
	for entity, m := range snap.Clocks {
		rs.Clocks[entity] = FromSnapshot(m)
	}
	return rs
}

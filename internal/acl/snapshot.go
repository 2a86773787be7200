package acl

import (
	"github.com/privstack/core/internal/crdt"
	"github.com/privstack/core/internal/ids"
)

// Snapshot is the wire/storage shape of an ACL, suitable for JSON
// marshaling into the acl_state table (see store.go).
type Snapshot struct {
	EntityID      ids.EntityId                          `json:"entity_id"`
	PeerGrants    crdt.ORSetSnapshot[PeerGrant]          `json:"peer_grants"`
	TeamGrants    crdt.ORSetSnapshot[TeamGrant]          `json:"team_grants"`
	TeamMembers   map[string]crdt.ORSetSnapshot[ids.PeerId] `json:"team_members"`
	DefaultAccess crdt.Register[Permission]              `json:"default_access"`
}

// Snapshot returns a's wire representation.
func (a *ACL) Snapshot() Snapshot {
	members := make(map[string]crdt.ORSetSnapshot[ids.PeerId], len(a.TeamMembers))
	for team, set := range a.TeamMembers {
		members[team] = set.Snapshot()
	}
	return Snapshot{
		EntityID:      a.EntityID,
		PeerGrants:    a.PeerGrants.Snapshot(),
		TeamGrants:    a.TeamGrants.Snapshot(),
		TeamMembers:   members,
		DefaultAccess: a.DefaultAccess,
	}
}

// FromSnapshot rebuilds an ACL previously serialized by Snapshot. localPeer
// attributes any further local mutations (grants, revokes) made through the
// returned handle.
func FromSnapshot(localPeer ids.PeerId, snap Snapshot) *ACL {
	members := make(map[string]*crdt.ORSet[ids.PeerId], len(snap.TeamMembers))
	for team, s := range snap.TeamMembers {
		members[team] = crdt.ORSetFromSnapshot(localPeer, s)
	}
	return &ACL{
		EntityID:      snap.EntityID,
		PeerGrants:    crdt.ORSetFromSnapshot(localPeer, snap.PeerGrants),
		TeamGrants:    crdt.ORSetFromSnapshot(localPeer, snap.TeamGrants),
		TeamMembers:   members,
		DefaultAccess: snap.DefaultAccess,
		localPeer:     localPeer,
	}
}

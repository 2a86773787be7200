// Package model defines the data shapes that flow between the registry,
// storage, and sync layers: entities, events, and their payload variants.
// It replaces the previous implementation's single fixed Entry type
// (internal/core/entry.go) with the schema-less, per-type
// Entity/Event pair the registry and sync engine key on.
package model

import (
	"encoding/json"

	"github.com/privstack/core/internal/hlc"
	"github.com/privstack/core/internal/ids"
)

// Entity is a schema-less JSON document of a declared type, the unit of
// sync.
type Entity struct {
	ID         ids.EntityId    `json:"id"`
	EntityType string          `json:"entity_type"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  int64           `json:"created_at"`
	ModifiedAt int64           `json:"modified_at"`
	CreatedBy  ids.PeerId      `json:"created_by"`

	// FieldTimestamps resolves the per-field LWW open question: each
	// top-level JSON field in Data may carry its own HLC, keyed by field
	// name. Absent for legacy entities written before this field existed,
	// in which case callers fall back to a document-level timestamp.
	FieldTimestamps map[string]hlc.Timestamp `json:"field_timestamps,omitempty"`
}

// EventType discriminates EventPayload's variant.
type EventType string

const (
	EventEntityCreated EventType = "entity_created"
	EventEntityUpdated EventType = "entity_updated"
	EventEntityDeleted EventType = "entity_deleted"
	EventFullSnapshot  EventType = "full_snapshot"
	EventAclGrantPeer  EventType = "acl_grant_peer"
	EventAclRevokePeer EventType = "acl_revoke_peer"
	EventAclGrantTeam  EventType = "acl_grant_team"
	EventAclRevokeTeam EventType = "acl_revoke_team"
	EventAclSetDefault EventType = "acl_set_default"
	EventTeamAddPeer   EventType = "team_add_peer"
	EventTeamRemovePeer EventType = "team_remove_peer"
)

// EventPayload carries the variant-specific data for one Event. Only the
// fields Type uses are populated; the others are left at their zero
// value, following the same flat-struct-with-discriminant approach as the
// previous implementation's internal/core.Entry (a single struct whose Type field selects
// which other fields are meaningful) generalized to many more variants.
type EventPayload struct {
	Type EventType `json:"type"`

	// EntityCreated / EntityUpdated / FullSnapshot.
	Data json.RawMessage `json:"data,omitempty"`

	// AclGrantPeer / AclRevokePeer / TeamAddPeer / TeamRemovePeer.
	GranteePeer ids.PeerId `json:"grantee_peer,omitempty"`

	// AclGrantTeam / AclRevokeTeam / TeamAddPeer / TeamRemovePeer.
	TeamName string `json:"team_name,omitempty"`

	// AclGrantPeer / AclGrantTeam.
	Permission string `json:"permission,omitempty"`

	// AclSetDefault.
	DefaultPermission string `json:"default_permission,omitempty"`
}

// Event is a durable, causally-linked record of one mutation to one
// entity.
type Event struct {
	ID         ids.EventId   `json:"id"`
	EntityID   ids.EntityId  `json:"entity_id"`
	EntityType string        `json:"entity_type"`
	Timestamp  hlc.Timestamp `json:"timestamp"`
	PeerID     ids.PeerId    `json:"peer_id"`
	DependsOn  []ids.EventId `json:"depends_on,omitempty"`
	Payload    EventPayload  `json:"payload"`
}

// Less orders events the way the sync engine must apply them: by
// (timestamp, peer_id) ascending, per spec.md §4.6 step 3.
func (e Event) Less(other Event) bool {
	if cmp := e.Timestamp.Compare(other.Timestamp); cmp != 0 {
		return cmp < 0
	}
	return e.PeerID.Less(other.PeerID)
}

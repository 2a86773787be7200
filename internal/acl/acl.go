// Package acl represents per-entity access control as a CRDT so that
// concurrent grant/revoke operations made on disconnected replicas
// converge without coordination, per spec.md's plugin-boundary note: ACLs
// travel through the event log like any other mutation and must satisfy
// the same convergence properties as the rest of the entity model. It
// replaces the previous implementation's SQLite row-per-entry ACL (internal/acl/store.go
// in the previous implementation, Permission levels + flat readers/writers slices overwritten
// in place) with an OR-set of peer grants, an OR-set of team grants, and
// an LWW register for the default access level, composed from
// internal/crdt the same way the rest of the entity model is.
package acl

import (
	"strings"

	"github.com/privstack/core/internal/crdt"
	"github.com/privstack/core/internal/hlc"
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
	"github.com/privstack/core/internal/pkgerrors"
)

// Permission is an access level, ordered None < Read < Write < Admin.
type Permission int

const (
	PermNone Permission = iota
	PermRead
	PermWrite
	PermAdmin
)

func (p Permission) String() string {
	switch p {
	case PermRead:
		return "read"
	case PermWrite:
		return "write"
	case PermAdmin:
		return "admin"
	default:
		return "none"
	}
}

func parsePermission(s string) Permission {
	switch s {
	case "read":
		return PermRead
	case "write":
		return PermWrite
	case "admin":
		return PermAdmin
	default:
		return PermNone
	}
}

func hlcZero(millis uint64) hlc.Timestamp {
	return hlc.Timestamp{Millis: millis}
}

func maxPermission(a, b Permission) Permission {
	if b > a {
		return b
	}
	return a
}

// PeerGrant is one element of the peer-grants OR-set: a peer holding a
// permission level. Two grants of the same peer at different levels are
// distinct elements, so raising a peer's access is itself an add and
// lowering it requires revoking the old grant.
type PeerGrant struct {
	Peer       ids.PeerId
	Permission Permission
}

// TeamGrant is one element of the team-grants OR-set.
type TeamGrant struct {
	Team       string
	Permission Permission
}

// MarshalText/UnmarshalText let PeerGrant and TeamGrant serve as map keys
// in the ORSet snapshot's JSON encoding (encoding/json only supports
// string, integer, or encoding.TextMarshaler map keys).
func (g PeerGrant) MarshalText() ([]byte, error) {
	return []byte(g.Peer.String() + "|" + g.Permission.String()), nil
}

func (g *PeerGrant) UnmarshalText(b []byte) error {
	peer, perm, ok := strings.Cut(string(b), "|")
	if !ok {
		return pkgerrors.New(pkgerrors.Corruption, "malformed peer grant: "+string(b))
	}
	id, err := ids.ParsePeerId(peer)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Corruption, "parse peer grant", err)
	}
	g.Peer = id
	g.Permission = parsePermission(perm)
	return nil
}

func (g TeamGrant) MarshalText() ([]byte, error) {
	return []byte(g.Team + "|" + g.Permission.String()), nil
}

func (g *TeamGrant) UnmarshalText(b []byte) error {
	team, perm, ok := strings.Cut(string(b), "|")
	if !ok {
		return pkgerrors.New(pkgerrors.Corruption, "malformed team grant: "+string(b))
	}
	g.Team = team
	g.Permission = parsePermission(perm)
	return nil
}

// ACL is the convergent access-control state for a single entity.
type ACL struct {
	EntityID      ids.EntityId
	PeerGrants    *crdt.ORSet[PeerGrant]
	TeamGrants    *crdt.ORSet[TeamGrant]
	TeamMembers   map[string]*crdt.ORSet[ids.PeerId]
	DefaultAccess crdt.Register[Permission]
	localPeer     ids.PeerId
}

// New creates empty, owner-only ACL state for entityID. The owner is
// granted Admin immediately so the entity remains accessible to its
// creator even before any event referencing the ACL is applied.
func New(entityID ids.EntityId, owner ids.PeerId, now hlc.Timestamp) *ACL {
	a := &ACL{
		EntityID:      entityID,
		PeerGrants:    crdt.NewORSet[PeerGrant](owner),
		TeamGrants:    crdt.NewORSet[TeamGrant](owner),
		TeamMembers:   make(map[string]*crdt.ORSet[ids.PeerId]),
		DefaultAccess: crdt.NewRegister(PermNone, now, owner),
		localPeer:     owner,
	}
	a.PeerGrants.Add(PeerGrant{Peer: owner, Permission: PermAdmin})
	return a
}

func (a *ACL) teamSet(team string) *crdt.ORSet[ids.PeerId] {
	s, ok := a.TeamMembers[team]
	if !ok {
		s = crdt.NewORSet[ids.PeerId](a.localPeer)
		a.TeamMembers[team] = s
	}
	return s
}

// GrantPeer adds a direct grant for peer at permission. Any previously
// held grant for that exact (peer, permission) pair is a no-op; granting a
// different level adds a second, independent element -- EffectivePermission
// always reports the highest live grant.
func (a *ACL) GrantPeer(peer ids.PeerId, permission Permission) {
	a.PeerGrants.Add(PeerGrant{Peer: peer, Permission: permission})
}

// RevokePeer removes every live grant held by peer, regardless of level.
func (a *ACL) RevokePeer(peer ids.PeerId) {
	for _, g := range a.PeerGrants.Elements() {
		if g.Peer == peer {
			a.PeerGrants.Remove(g)
		}
	}
}

// GrantTeam and RevokeTeam mirror GrantPeer/RevokePeer for team-level
// grants.
func (a *ACL) GrantTeam(team string, permission Permission) {
	a.TeamGrants.Add(TeamGrant{Team: team, Permission: permission})
}

func (a *ACL) RevokeTeam(team string) {
	for _, g := range a.TeamGrants.Elements() {
		if g.Team == team {
			a.TeamGrants.Remove(g)
		}
	}
}

// AddTeamMember and RemoveTeamMember manage team rosters, each its own
// per-team OR-set so membership in one team converges independently of
// another.
func (a *ACL) AddTeamMember(team string, peer ids.PeerId) {
	a.teamSet(team).Add(peer)
}

func (a *ACL) RemoveTeamMember(team string, peer ids.PeerId) {
	a.teamSet(team).Remove(peer)
}

// SetDefault sets the access level granted to any peer with no explicit
// grant. LWW: concurrent SetDefault calls converge on the one with the
// later timestamp (peer id breaking ties).
func (a *ACL) SetDefault(permission Permission, ts hlc.Timestamp, author ids.PeerId) {
	a.DefaultAccess = a.DefaultAccess.Merge(crdt.NewRegister(permission, ts, author))
}

// EffectivePermission computes the highest permission peer holds, either
// directly, through membership in a team holding a grant, or via the
// default access level.
func (a *ACL) EffectivePermission(peer ids.PeerId, memberOf []string) Permission {
	best := a.DefaultAccess.Value
	for _, g := range a.PeerGrants.Elements() {
		if g.Peer == peer {
			best = maxPermission(best, g.Permission)
		}
	}
	memberSet := make(map[string]bool, len(memberOf))
	for _, t := range memberOf {
		memberSet[t] = true
	}
	for _, g := range a.TeamGrants.Elements() {
		if memberSet[g.Team] {
			best = maxPermission(best, g.Permission)
		}
	}
	return best
}

// Merge returns the union of a and other: every OR-set merges independent
// of the others, and DefaultAccess resolves via LWW, so Merge inherits
// commutativity, associativity, and idempotency from its components
// (verified for the underlying primitives in internal/crdt).
func (a *ACL) Merge(other *ACL) *ACL {
	result := &ACL{
		EntityID:      a.EntityID,
		PeerGrants:    a.PeerGrants.Merge(other.PeerGrants),
		TeamGrants:    a.TeamGrants.Merge(other.TeamGrants),
		TeamMembers:   make(map[string]*crdt.ORSet[ids.PeerId]),
		DefaultAccess: a.DefaultAccess.Merge(other.DefaultAccess),
		localPeer:     a.localPeer,
	}
	teams := make(map[string]struct{})
	for t := range a.TeamMembers {
		teams[t] = struct{}{}
	}
	for t := range other.TeamMembers {
		teams[t] = struct{}{}
	}
	for t := range teams {
		left := a.TeamMembers[t]
		right := other.TeamMembers[t]
		switch {
		case left == nil:
			result.TeamMembers[t] = right.Clone()
		case right == nil:
			result.TeamMembers[t] = left.Clone()
		default:
			result.TeamMembers[t] = left.Merge(right)
		}
	}
	return result
}

// ApplyEvent mutates acl in place according to an ACL or team event,
// returning a Validation error for any other event type. Callers filter
// the event log to ACL/team event types before calling this, mirroring
// how registry.Merge only ever sees entity payloads.
func ApplyEvent(a *ACL, ev model.Event) error {
	p := ev.Payload
	switch p.Type {
	case model.EventAclGrantPeer:
		a.GrantPeer(p.GranteePeer, parsePermission(p.Permission))
	case model.EventAclRevokePeer:
		a.RevokePeer(p.GranteePeer)
	case model.EventAclGrantTeam:
		a.GrantTeam(p.TeamName, parsePermission(p.Permission))
	case model.EventAclRevokeTeam:
		a.RevokeTeam(p.TeamName)
	case model.EventAclSetDefault:
		a.SetDefault(parsePermission(p.DefaultPermission), ev.Timestamp, ev.PeerID)
	case model.EventTeamAddPeer:
		a.AddTeamMember(p.TeamName, p.GranteePeer)
	case model.EventTeamRemovePeer:
		a.RemoveTeamMember(p.TeamName, p.GranteePeer)
	default:
		return pkgerrors.New(pkgerrors.Validation, "event type is not an ACL event: "+string(p.Type))
	}
	return nil
}

package acl

import (
	"testing"

	"github.com/privstack/core/internal/hlc"
	"github.com/privstack/core/internal/ids"
)

func newPeer(t *testing.T) ids.PeerId {
	t.Helper()
	p, err := ids.NewPeerId()
	if err != nil {
		t.Fatalf("new peer id: %v", err)
	}
	return p
}

func TestOwnerHasAdminByDefault(t *testing.T) {
	owner := newPeer(t)
	entity, _ := ids.NewEntityId()
	a := New(entity, owner, hlc.Timestamp{Millis: 1})

	if got := a.EffectivePermission(owner, nil); got != PermAdmin {
		t.Errorf("expected owner to have PermAdmin, got %v", got)
	}
}

func TestGrantAndRevokePeer(t *testing.T) {
	owner := newPeer(t)
	other := newPeer(t)
	entity, _ := ids.NewEntityId()
	a := New(entity, owner, hlc.Timestamp{Millis: 1})

	if got := a.EffectivePermission(other, nil); got != PermNone {
		t.Fatalf("expected PermNone before grant, got %v", got)
	}

	a.GrantPeer(other, PermWrite)
	if got := a.EffectivePermission(other, nil); got != PermWrite {
		t.Errorf("expected PermWrite after grant, got %v", got)
	}

	a.RevokePeer(other)
	if got := a.EffectivePermission(other, nil); got != PermNone {
		t.Errorf("expected PermNone after revoke, got %v", got)
	}
}

func TestTeamGrantAppliesToMembers(t *testing.T) {
	owner := newPeer(t)
	member := newPeer(t)
	entity, _ := ids.NewEntityId()
	a := New(entity, owner, hlc.Timestamp{Millis: 1})

	a.GrantTeam("editors", PermWrite)
	a.AddTeamMember("editors", member)

	if got := a.EffectivePermission(member, []string{"editors"}); got != PermWrite {
		t.Errorf("expected team grant to apply, got %v", got)
	}
	if got := a.EffectivePermission(member, nil); got != PermNone {
		t.Errorf("expected no grant without team membership in scope, got %v", got)
	}
}

func TestConcurrentGrantRevokeConvergesAddWins(t *testing.T) {
	owner := newPeer(t)
	other := newPeer(t)
	entity, _ := ids.NewEntityId()

	replicaA := New(entity, owner, hlc.Timestamp{Millis: 1})
	replicaB := FromSnapshot(owner, replicaA.Snapshot())

	// Concurrently: A revokes a grant B never saw, while B independently
	// (re-)grants the same peer. Add-wins semantics mean the grant
	// survives the merge regardless of order.
	replicaA.GrantPeer(other, PermRead)
	replicaB.GrantPeer(other, PermRead)
	replicaA.RevokePeer(other)
	replicaB.GrantPeer(other, PermWrite)

	mergedAB := replicaA.Merge(replicaB)
	mergedBA := replicaB.Merge(replicaA)

	if got := mergedAB.EffectivePermission(other, nil); got != PermWrite {
		t.Errorf("A-then-B merge: expected PermWrite to survive, got %v", got)
	}
	if got := mergedBA.EffectivePermission(other, nil); got != PermWrite {
		t.Errorf("B-then-A merge: expected PermWrite to survive, got %v", got)
	}
}

func TestDefaultAccessLWWConverges(t *testing.T) {
	owner := newPeer(t)
	entity, _ := ids.NewEntityId()
	a := New(entity, owner, hlc.Timestamp{Millis: 1})
	b := FromSnapshot(owner, a.Snapshot())

	a.SetDefault(PermRead, hlc.Timestamp{Millis: 5}, owner)
	b.SetDefault(PermWrite, hlc.Timestamp{Millis: 10}, owner)

	mergedAB := a.Merge(b)
	mergedBA := b.Merge(a)

	if mergedAB.DefaultAccess.Value != PermWrite {
		t.Errorf("expected later timestamp (PermWrite) to win, got %v", mergedAB.DefaultAccess.Value)
	}
	if mergedBA.DefaultAccess.Value != mergedAB.DefaultAccess.Value {
		t.Errorf("merge must be commutative, got %v vs %v", mergedBA.DefaultAccess.Value, mergedAB.DefaultAccess.Value)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	owner := newPeer(t)
	member := newPeer(t)
	entity, _ := ids.NewEntityId()
	a := New(entity, owner, hlc.Timestamp{Millis: 1})
	a.GrantPeer(member, PermWrite)
	a.GrantTeam("editors", PermRead)
	a.AddTeamMember("editors", member)
	a.SetDefault(PermRead, hlc.Timestamp{Millis: 2}, owner)

	snap := a.Snapshot()
	restored := FromSnapshot(owner, snap)

	if got := restored.EffectivePermission(member, nil); got != PermWrite {
		t.Errorf("expected PermWrite to survive round trip, got %v", got)
	}
	if got := restored.EffectivePermission(member, []string{"editors"}); got != PermWrite {
		t.Errorf("expected max(direct, team) = PermWrite, got %v", got)
	}
	if restored.DefaultAccess.Value != PermRead {
		t.Errorf("expected default access to survive round trip, got %v", restored.DefaultAccess.Value)
	}
}

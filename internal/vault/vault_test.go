package vault

import (
	"testing"

	"github.com/privstack/core/internal/pkgerrors"
	"github.com/privstack/core/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := New(db)
	if err != nil {
		t.Fatalf("new vault store: %v", err)
	}
	return s
}

// TestVaultIsolation exercises spec.md §8 scenario 6: two independently
// password-scoped vaults, wrong-password rejection, and no dependency
// between unlocking one vault and accessing another.
func TestVaultIsolation(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateVault("v1", []byte("p1")); err != nil {
		t.Fatalf("create v1: %v", err)
	}
	if err := s.CreateVault("v2", []byte("p2")); err != nil {
		t.Fatalf("create v2: %v", err)
	}

	v1, err := s.Unlock("v1", []byte("p1"))
	if err != nil {
		t.Fatalf("unlock v1: %v", err)
	}
	if err := v1.Put("api", []byte("s3cret"), 1); err != nil {
		t.Fatalf("put: %v", err)
	}
	v1.Lock()

	if _, err := s.Unlock("v1", []byte("wrong")); !pkgerrors.Is(err, pkgerrors.BadPassword) {
		t.Errorf("expected BadPassword, got %v", err)
	}

	v1Again, err := s.Unlock("v1", []byte("p1"))
	if err != nil {
		t.Fatalf("re-unlock v1: %v", err)
	}
	value, err := v1Again.Get("api")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != "s3cret" {
		t.Errorf("got %q", value)
	}

	// v2 never required v1 to be unlocked.
	v2, err := s.Unlock("v2", []byte("p2"))
	if err != nil {
		t.Fatalf("unlock v2: %v", err)
	}
	if _, err := v2.Get("api"); !pkgerrors.Is(err, pkgerrors.NotFound) {
		t.Errorf("expected v2 to have no 'api' key of its own, got %v", err)
	}
}

func TestLockedVaultRejectsOperations(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateVault("v1", []byte("p1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	v1, err := s.Unlock("v1", []byte("p1"))
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	v1.Lock()

	if err := v1.Put("k", []byte("v"), 1); !pkgerrors.Is(err, pkgerrors.Locked) {
		t.Errorf("expected Locked, got %v", err)
	}
}

package entitystore

import (
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/privstack/core/internal/crypto"
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
	"github.com/privstack/core/internal/registry"
	"github.com/privstack/core/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.DB) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := registry.New()
	if err := reg.Register(registry.NoteSchema); err != nil {
		t.Fatalf("register schema: %v", err)
	}
	return New(db, reg), db
}

func TestPutGetRoundTrip(t *testing.T) {
	store, db := newTestStore(t)

	entityID, _ := ids.NewEntityId()
	peerID, _ := ids.NewPeerId()
	masterKey, _ := crypto.GenerateKey()
	entityKey, _ := crypto.GenerateKey()

	entity := model.Entity{
		ID: entityID, EntityType: "note",
		Data:       json.RawMessage(`{"title":"hello","body":"world"}`),
		CreatedAt:  1000, ModifiedAt: 1000, CreatedBy: peerID,
	}

	if err := db.Write(func(tx *sql.Tx) error {
		return store.Put(tx, entity, entityKey, masterKey)
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get("note", entityID, masterKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Data) != string(entity.Data) {
		t.Errorf("data mismatch: got %s", got.Data)
	}
}

func TestGetWithWrongMasterKeyFails(t *testing.T) {
	store, db := newTestStore(t)

	entityID, _ := ids.NewEntityId()
	peerID, _ := ids.NewPeerId()
	masterKey, _ := crypto.GenerateKey()
	wrongKey, _ := crypto.GenerateKey()
	entityKey, _ := crypto.GenerateKey()

	entity := model.Entity{
		ID: entityID, EntityType: "note",
		Data: json.RawMessage(`{"title":"secret"}`), CreatedAt: 1, ModifiedAt: 1, CreatedBy: peerID,
	}
	if err := db.Write(func(tx *sql.Tx) error {
		return store.Put(tx, entity, entityKey, masterKey)
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := store.Get("note", entityID, wrongKey); err == nil {
		t.Fatal("expected decryption to fail with the wrong master key")
	}
}

func TestQueryFiltersOnIndexedFieldsWithoutDecrypting(t *testing.T) {
	store, db := newTestStore(t)
	masterKey, _ := crypto.GenerateKey()
	peerID, _ := ids.NewPeerId()

	for _, title := range []string{"alpha", "beta"} {
		id, _ := ids.NewEntityId()
		entityKey, _ := crypto.GenerateKey()
		entity := model.Entity{
			ID: id, EntityType: "note",
			Data: json.RawMessage(`{"title":"` + title + `"}`), CreatedAt: 1, ModifiedAt: 1, CreatedBy: peerID,
		}
		if err := db.Write(func(tx *sql.Tx) error {
			return store.Put(tx, entity, entityKey, masterKey)
		}); err != nil {
			t.Fatalf("put %s: %v", title, err)
		}
	}

	results, err := store.Query(ListFilter{EntityType: "note", IndexedEquals: map[string]string{"title": "alpha"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

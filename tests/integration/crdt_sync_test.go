package integration

import (
	"encoding/json"
	"testing"

	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/pkg/engine"
)

// syncEvents replays every event for entityID that to hasn't seen yet from
// from, in the order from stored them -- a minimal in-process stand-in for
// what internal/sync's real transports do over the wire.
func syncEvents(t *testing.T, from, to *engine.Handle, entityID ids.EntityId) {
	t.Helper()
	events, err := from.EventsForEntity(entityID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	for _, ev := range events {
		has, err := to.HasEvent(ev.ID)
		if err != nil {
			t.Fatalf("check event presence: %v", err)
		}
		if has {
			continue
		}
		if err := to.ApplyEvent(ev); err != nil {
			t.Fatalf("apply event: %v", err)
		}
	}
}

func readNoteTitle(t *testing.T, h *engine.Handle, id string) string {
	t.Helper()
	resp := mustExecute(t, h, engine.Request{PluginID: "entity", Action: "read", EntityType: "note", EntityID: id})
	if !resp.Success {
		t.Fatalf("read failed: %s", resp.ErrorMessage)
	}
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.Data, &wrapper); err != nil {
		t.Fatalf("decode read response: %v", err)
	}
	var note noteData
	if err := json.Unmarshal(wrapper.Data, &note); err != nil {
		t.Fatalf("decode note data: %v", err)
	}
	return note.Title
}

func TestCRDTSyncConverges(t *testing.T) {
	hA := openTestHandle(t, t.TempDir())
	defer hA.Close()
	hB := openTestHandle(t, t.TempDir())
	defer hB.Close()

	createPayload, _ := json.Marshal(noteData{Title: "original", Body: "shared note"})
	created := mustExecute(t, hA, engine.Request{PluginID: "entity", Action: "create", EntityType: "note", Payload: createPayload})
	if !created.Success {
		t.Fatalf("create on A failed: %s", created.ErrorMessage)
	}
	var entity struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(created.Data, &entity); err != nil {
		t.Fatalf("decode created entity: %v", err)
	}
	entityID, err := ids.ParseEntityId(entity.ID)
	if err != nil {
		t.Fatalf("parse entity id: %v", err)
	}

	t.Run("initial replication", func(t *testing.T) {
		syncEvents(t, hA, hB, entityID)
		if got := readNoteTitle(t, hB, entity.ID); got != "original" {
			t.Errorf("expected B to see %q, got %q", "original", got)
		}
	})

	t.Run("concurrent update converges", func(t *testing.T) {
		updateA, _ := json.Marshal(noteData{Title: "updated by A", Body: "shared note"})
		if resp := mustExecute(t, hA, engine.Request{
			PluginID: "entity", Action: "update", EntityType: "note", EntityID: entity.ID, Payload: updateA,
		}); !resp.Success {
			t.Fatalf("A update failed: %s", resp.ErrorMessage)
		}

		updateB, _ := json.Marshal(noteData{Title: "updated by B", Body: "shared note"})
		if resp := mustExecute(t, hB, engine.Request{
			PluginID: "entity", Action: "update", EntityType: "note", EntityID: entity.ID, Payload: updateB,
		}); !resp.Success {
			t.Fatalf("B update failed: %s", resp.ErrorMessage)
		}

		syncEvents(t, hA, hB, entityID)
		syncEvents(t, hB, hA, entityID)

		finalA := readNoteTitle(t, hA, entity.ID)
		finalB := readNoteTitle(t, hB, entity.ID)
		if finalA != finalB {
			t.Errorf("replicas did not converge: A has %q, B has %q", finalA, finalB)
		}
	})
}

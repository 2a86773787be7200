package integration

import (
	"encoding/json"
	"testing"

	"github.com/privstack/core/pkg/engine"
)

func openTestHandle(t *testing.T, dir string) *engine.Handle {
	t.Helper()
	h, err := engine.Open(dir)
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	if err := h.Unlock([]byte("correct horse battery staple")); err != nil {
		h.Close()
		t.Fatalf("unlock workspace: %v", err)
	}
	return h
}

func mustExecute(t *testing.T, h *engine.Handle, req engine.Request) engine.Response {
	t.Helper()
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	var resp engine.Response
	if err := json.Unmarshal(h.Execute(raw), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

type noteData struct {
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags,omitempty"`
}

func TestEntityLifecycle(t *testing.T) {
	dir := t.TempDir()
	h := openTestHandle(t, dir)
	defer h.Close()

	createPayload, _ := json.Marshal(noteData{Title: "first note", Body: "hello", Tags: []string{"a", "b"}})
	created := mustExecute(t, h, engine.Request{
		PluginID: "entity", Action: "create", EntityType: "note", Payload: createPayload,
	})
	if !created.Success {
		t.Fatalf("create failed: %s", created.ErrorMessage)
	}
	var entity struct {
		ID   string          `json:"id"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(created.Data, &entity); err != nil {
		t.Fatalf("decode created entity: %v", err)
	}
	if entity.ID == "" {
		t.Fatal("expected a non-empty entity id")
	}

	t.Run("read", func(t *testing.T) {
		resp := mustExecute(t, h, engine.Request{PluginID: "entity", Action: "read", EntityType: "note", EntityID: entity.ID})
		if !resp.Success {
			t.Fatalf("read failed: %s", resp.ErrorMessage)
		}
		var got noteData
		var wrapper struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(resp.Data, &wrapper); err != nil {
			t.Fatalf("decode read response: %v", err)
		}
		if err := json.Unmarshal(wrapper.Data, &got); err != nil {
			t.Fatalf("decode note data: %v", err)
		}
		if got.Title != "first note" {
			t.Errorf("expected title %q, got %q", "first note", got.Title)
		}
	})

	t.Run("update", func(t *testing.T) {
		updatePayload, _ := json.Marshal(noteData{Title: "renamed", Body: "updated body"})
		resp := mustExecute(t, h, engine.Request{
			PluginID: "entity", Action: "update", EntityType: "note", EntityID: entity.ID, Payload: updatePayload,
		})
		if !resp.Success {
			t.Fatalf("update failed: %s", resp.ErrorMessage)
		}

		read := mustExecute(t, h, engine.Request{PluginID: "entity", Action: "read", EntityType: "note", EntityID: entity.ID})
		var wrapper struct {
			Data json.RawMessage `json:"data"`
		}
		json.Unmarshal(read.Data, &wrapper)
		var got noteData
		json.Unmarshal(wrapper.Data, &got)
		if got.Title != "renamed" {
			t.Errorf("expected updated title %q, got %q", "renamed", got.Title)
		}
	})

	t.Run("query", func(t *testing.T) {
		queryPayload, _ := json.Marshal(struct {
			IndexedEquals map[string]string `json:"indexed_equals"`
		}{IndexedEquals: map[string]string{"title": "renamed"}})
		resp := mustExecute(t, h, engine.Request{
			PluginID: "entity", Action: "query", EntityType: "note", Payload: queryPayload,
		})
		if !resp.Success {
			t.Fatalf("query failed: %s", resp.ErrorMessage)
		}
		var ids []string
		if err := json.Unmarshal(resp.Data, &ids); err != nil {
			t.Fatalf("decode query matches: %v", err)
		}
		if len(ids) != 1 || ids[0] != entity.ID {
			t.Errorf("expected query to match exactly %s, got %v", entity.ID, ids)
		}
	})

	t.Run("delete", func(t *testing.T) {
		resp := mustExecute(t, h, engine.Request{PluginID: "entity", Action: "delete", EntityType: "note", EntityID: entity.ID})
		if !resp.Success {
			t.Fatalf("delete failed: %s", resp.ErrorMessage)
		}

		read := mustExecute(t, h, engine.Request{PluginID: "entity", Action: "read", EntityType: "note", EntityID: entity.ID})
		if read.Success {
			t.Error("expected read of a deleted entity to fail")
		}
	})

	t.Run("persistence", func(t *testing.T) {
		second, err := json.Marshal(noteData{Title: "survives reopen", Body: "x"})
		if err != nil {
			t.Fatal(err)
		}
		resp := mustExecute(t, h, engine.Request{PluginID: "entity", Action: "create", EntityType: "note", Payload: second})
		if !resp.Success {
			t.Fatalf("create failed: %s", resp.ErrorMessage)
		}
		var persisted struct {
			ID string `json:"id"`
		}
		json.Unmarshal(resp.Data, &persisted)

		if err := h.Lock(); err != nil {
			t.Fatalf("lock: %v", err)
		}
		if err := h.Unlock([]byte("correct horse battery staple")); err != nil {
			t.Fatalf("re-unlock: %v", err)
		}

		read := mustExecute(t, h, engine.Request{PluginID: "entity", Action: "read", EntityType: "note", EntityID: persisted.ID})
		if !read.Success {
			t.Fatalf("expected entity to survive lock/unlock, read failed: %s", read.ErrorMessage)
		}
	})
}

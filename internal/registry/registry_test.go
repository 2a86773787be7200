package registry

import (
	"encoding/json"
	"testing"

	"github.com/privstack/core/internal/hlc"
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
	"github.com/privstack/core/internal/pkgerrors"
)

func newNote(t *testing.T, title string, modifiedAt int64) model.Entity {
	t.Helper()
	data, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	id, _ := ids.NewEntityId()
	peer, _ := ids.NewPeerId()
	return model.Entity{ID: id, EntityType: "note", Data: data, CreatedAt: 1, ModifiedAt: modifiedAt, CreatedBy: peer}
}

func TestValidateUnknownType(t *testing.T) {
	r := New()
	err := r.Validate(model.Entity{EntityType: "ghost"})
	if !pkgerrors.Is(err, pkgerrors.UnknownType) {
		t.Fatalf("expected UnknownType, got %v", err)
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	r := New()
	if err := r.Register(NoteSchema); err != nil {
		t.Fatalf("register: %v", err)
	}

	bad := model.Entity{EntityType: "note", Data: json.RawMessage(`{"body":"no title"}`)}
	if err := r.Validate(bad); err == nil {
		t.Fatalf("expected validation error for missing title")
	}
}

func TestExtractIndexedFields(t *testing.T) {
	r := New()
	if err := r.Register(NoteSchema); err != nil {
		t.Fatalf("register: %v", err)
	}

	entity := model.Entity{EntityType: "note", Data: json.RawMessage(`{"title":"hello","body":"world"}`)}
	fields, err := r.ExtractIndexed(entity)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if fields["title"] != "hello" {
		t.Errorf("expected title=hello, got %v", fields["title"])
	}
}

func TestMergeLwwDocumentPicksNewer(t *testing.T) {
	r := New()
	if err := r.Register(TaskSchema); err != nil {
		t.Fatalf("register: %v", err)
	}

	older := newNote(t, "old", 10)
	older.EntityType = "task"
	newer := newNote(t, "new", 20)
	newer.EntityType = "task"

	merged, err := r.Merge(older, newer)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.ModifiedAt != 20 {
		t.Errorf("expected newer entity to win, got modified_at=%d", merged.ModifiedAt)
	}
}

func TestMergeLwwPerFieldUsesFieldTimestamps(t *testing.T) {
	r := New()
	if err := r.Register(NoteSchema); err != nil {
		t.Fatalf("register: %v", err)
	}

	local := model.Entity{
		EntityType: "note", ModifiedAt: 100,
		Data:            json.RawMessage(`{"title":"local-title","body":"local-body"}`),
		FieldTimestamps: map[string]hlc.Timestamp{"title": {Millis: 100}, "body": {Millis: 100}},
	}
	remote := model.Entity{
		EntityType: "note", ModifiedAt: 90,
		Data:            json.RawMessage(`{"title":"remote-title","body":"remote-body"}`),
		FieldTimestamps: map[string]hlc.Timestamp{"title": {Millis: 200}, "body": {Millis: 50}},
	}

	merged, err := r.Merge(local, remote)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	var doc map[string]string
	if err := json.Unmarshal(merged.Data, &doc); err != nil {
		t.Fatalf("unmarshal merged: %v", err)
	}
	if doc["title"] != "remote-title" {
		t.Errorf("expected remote's newer title to win, got %q", doc["title"])
	}
	if doc["body"] != "local-body" {
		t.Errorf("expected local's newer body to stay, got %q", doc["body"])
	}
}

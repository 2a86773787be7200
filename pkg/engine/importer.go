package engine

import (
	"encoding/json"
	"io"

	"github.com/privstack/core/internal/importer"
	"github.com/privstack/core/internal/model"
	"github.com/privstack/core/internal/storage/entitystore"
)

// ExportEntities decrypts and returns every entity of the given types,
// or of every registered type when types is empty. A type with no data
// yet (its table was never created) is silently skipped rather than
// treated as an error, so exporting a freshly initialized workspace
// just yields an empty set.
func (h *Handle) ExportEntities(types []string) ([]model.Entity, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}

	if len(types) == 0 {
		types = h.reg.Types()
	}

	var out []model.Entity
	for _, entityType := range types {
		exists, err := h.entities.TypeExists(entityType)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		matches, err := h.entities.Query(entitystore.ListFilter{EntityType: entityType})
		if err != nil {
			return nil, err
		}
		for _, id := range matches {
			entity, err := h.entities.Get(entityType, id, h.master)
			if err != nil {
				return nil, err
			}
			out = append(out, entity)
		}
	}
	return out, nil
}

// ExportJSON writes every entity of the given types (or all types, if
// empty) to w as one ExportData document.
func (h *Handle) ExportJSON(w io.Writer, types []string) error {
	entities, err := h.ExportEntities(types)
	if err != nil {
		return err
	}
	now := h.clock.Now()
	return importer.NewExporter().ExportToJSON(entities, int64(now.Millis), w)
}

// ExportMarkdown writes every "note" entity under dir as one Markdown
// file each.
func (h *Handle) ExportMarkdown(dir string) error {
	entities, err := h.ExportEntities([]string{"note"})
	if err != nil {
		return err
	}
	return importer.NewExporter().ExportToMarkdown(entities, dir)
}

// ImportResult reports how many of an import's entities were created
// versus rejected by validation, mirroring the previous implementation's own
// ImportResult shape.
type ImportResult struct {
	TotalRead int      `json:"total_read"`
	Imported  int      `json:"imported"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// ImportEntities creates one new entity per entry in entities, routed
// through the same entityCreate path a normal create request uses (so
// imported data is validated, indexed, and hooked exactly like a local
// write) rather than writing directly to entitystore. The import
// discards each entry's original ID/timestamps: a fresh ID and
// creation time are assigned, since importing into a different
// workspace than the one that exported the data makes the old
// identity meaningless.
func (h *Handle) ImportEntities(entities []model.Entity) ImportResult {
	result := ImportResult{TotalRead: len(entities)}
	for _, entity := range entities {
		resp := h.entityCreate(Request{EntityType: entity.EntityType, Payload: entity.Data})
		var r Response
		if err := json.Unmarshal(resp, &r); err != nil || !r.Success {
			result.Failed++
			if err == nil {
				result.Errors = append(result.Errors, r.ErrorMessage)
			} else {
				result.Errors = append(result.Errors, err.Error())
			}
			continue
		}
		result.Imported++
	}
	return result
}

// ImportJSON reads an ExportData document (or bare entity array) from r
// and imports every entity.
func (h *Handle) ImportJSON(r io.Reader) (ImportResult, error) {
	entities, err := importer.NewImporter().ImportFromJSON(r)
	if err != nil {
		return ImportResult{}, err
	}
	return h.ImportEntities(entities), nil
}

// ImportMarkdown reads a single Markdown note from r and imports it.
func (h *Handle) ImportMarkdown(r io.Reader) (ImportResult, error) {
	entity, err := importer.NewImporter().ImportFromMarkdown(r)
	if err != nil {
		return ImportResult{}, err
	}
	return h.ImportEntities([]model.Entity{entity}), nil
}

package engine

import (
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
	"github.com/privstack/core/internal/search"
)

// SearchOptions narrows a Search call to one entity type and/or a result
// count, mirroring internal/search.SearchOptions at the Handle boundary.
type SearchOptions struct {
	EntityType string
	Limit      int
}

// SearchResult is one entity match, in result-rank order.
type SearchResult struct {
	EntityID ids.EntityId
	Score    float64
}

// Search runs a full-text query over every indexed entity. The index is
// best-effort: entity writes update it outside the storage transaction
// that makes them durable, so a crash between the two can leave it
// transiently stale until the next write to the same entity.
func (h *Handle) Search(query string, opts SearchOptions) ([]SearchResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return nil, err
	}

	hits, err := h.search.Search(query, search.SearchOptions{EntityType: opts.EntityType, Limit: opts.Limit})
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, len(hits))
	for i, hit := range hits {
		out[i] = SearchResult{EntityID: hit.ID, Score: hit.Score}
	}
	return out, nil
}

// indexEntity projects entity through the registry's declared text/tag
// fields and updates its search document. Indexing failures are not
// propagated: a transiently unsearchable entity is preferable to a write
// that otherwise succeeded being reported as failed.
func (h *Handle) indexEntity(entity model.Entity) {
	text, tags, err := h.reg.ExtractSearchText(entity)
	if err != nil {
		return
	}
	_ = h.search.IndexEntity(entity.ID, entity.EntityType, text, tags)
}

func (h *Handle) deindexEntity(id ids.EntityId) {
	_ = h.search.DeleteEntity(id)
}

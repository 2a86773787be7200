// Package search provides full-text search over entities using Bleve.
package search

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"

	"github.com/privstack/core/internal/ids"
)

// Index wraps a Bleve index keyed by entity id.
type Index struct {
	index bleve.Index
	path  string
}

// Document is the indexed projection of one entity: its schema's
// FieldText columns concatenated into Text, and FieldTag columns kept
// discrete in Tags, per registry.Registry.ExtractSearchText.
type Document struct {
	EntityType string   `json:"entity_type"`
	Text       string   `json:"text"`
	Tags       []string `json:"tags"`
}

// NewIndex creates or opens a Bleve index under dataDir.
func NewIndex(dataDir string) (*Index, error) {
	indexPath := filepath.Join(dataDir, "search.bleve")

	idx, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(indexPath, entityIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	return &Index{index: idx, path: indexPath}, nil
}

// NewMemoryIndex creates an in-memory index, for tests.
func NewMemoryIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(entityIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Index{index: idx}, nil
}

func entityIndexMapping() *bleve.IndexMapping {
	mapping := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = "standard"
	docMapping.AddFieldMappingsAt("text", textField)

	tagsField := bleve.NewTextFieldMapping()
	tagsField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("tags", tagsField)

	typeField := bleve.NewTextFieldMapping()
	typeField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("entity_type", typeField)

	mapping.AddDocumentMapping("entity", docMapping)
	return mapping
}

// IndexEntity adds or updates an entity's search document.
func (i *Index) IndexEntity(id ids.EntityId, entityType, text string, tags []string) error {
	return i.index.Index(id.String(), Document{EntityType: entityType, Text: text, Tags: tags})
}

// DeleteEntity removes an entity's search document.
func (i *Index) DeleteEntity(id ids.EntityId) error {
	return i.index.Delete(id.String())
}

// SearchOptions configures a search query.
type SearchOptions struct {
	EntityType string // restrict to one entity type, if set
	Limit      int     // max results (default 50)
}

// SearchResult is one search hit.
type SearchResult struct {
	ID    ids.EntityId
	Score float64
}

// Search performs a full-text query over indexed text, optionally
// restricted to one entity type.
func (i *Index) Search(query string, opts SearchOptions) ([]SearchResult, error) {
	textQuery := bleve.NewMatchQuery(query)
	textQuery.SetField("text")

	var q bleve.Query = textQuery
	if opts.EntityType != "" {
		typeQuery := bleve.NewTermQuery(opts.EntityType)
		typeQuery.SetField("entity_type")
		q = bleve.NewConjunctionQuery(textQuery, typeQuery)
	}

	searchReq := bleve.NewSearchRequest(q)
	searchReq.Size = opts.Limit
	if searchReq.Size <= 0 {
		searchReq.Size = 50
	}

	searchRes, err := i.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(searchRes.Hits))
	for _, hit := range searchRes.Hits {
		id, err := ids.ParseEntityId(hit.ID)
		if err != nil {
			continue
		}
		results = append(results, SearchResult{ID: id, Score: hit.Score})
	}
	return results, nil
}

// Close closes the index.
func (i *Index) Close() error {
	return i.index.Close()
}

// Delete closes and removes the index from disk.
func (i *Index) Delete() error {
	i.index.Close()
	if i.path != "" {
		return os.RemoveAll(i.path)
	}
	return nil
}

// Package registry maps entity_type to its schema (indexed fields, merge
// strategy, optional domain handler) and performs validation, indexed-field
// extraction, and merge dispatch on save. It generalizes the previous implementation's
// schema.Registry (internal/schema/validator.go), which only
// held a compiled JSON-schema per entry type, into the full per-type
// contract spec.md §4.3 describes.
package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/privstack/core/internal/model"
	"github.com/privstack/core/internal/pkgerrors"
)

// FieldType is the declared type of one indexed projection.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldTag      FieldType = "tag"
	FieldDatetime FieldType = "datetime"
	FieldNumber   FieldType = "number"
	FieldBool     FieldType = "bool"
	FieldVector   FieldType = "vector"
	FieldCounter  FieldType = "counter"
	FieldRelation FieldType = "relation"
	FieldDecimal  FieldType = "decimal"
	FieldJSON     FieldType = "json"
	FieldEnum     FieldType = "enum"
	FieldGeoPoint FieldType = "geo_point"
	FieldDuration FieldType = "duration"
)

// IndexedField declares one projected column.
type IndexedField struct {
	Name    string
	Pointer string // RFC 6901 JSON pointer into the entity's Data
	Type    FieldType
}

// MergeStrategy selects how concurrent versions of an entity are
// reconciled.
type MergeStrategy int

const (
	LwwDocument MergeStrategy = iota
	LwwPerField
	Custom
)

// DomainHandler is the capability interface a schema may attach for
// type-specific behavior, per spec.md §4.3/§9 ("capability interface, not
// inheritance").
type DomainHandler interface {
	Validate(entity model.Entity) error
	OnAfterLoad(entity *model.Entity)
	Merge(local, remote model.Entity) (model.Entity, error)
}

// Schema is one entity type's registration.
type Schema struct {
	EntityType    string
	JSONSchema    json.RawMessage // optional; nil skips JSON-schema validation
	IndexedFields []IndexedField
	Strategy      MergeStrategy
	Handler       DomainHandler // optional

	compiled *gojsonschema.Schema
}

// Registry owns the entity_type -> Schema map.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register compiles and installs schema. It is safe to call concurrently
// with Validate/Merge.
func (r *Registry) Register(schema *Schema) error {
	if schema.JSONSchema != nil {
		loader := gojsonschema.NewBytesLoader(schema.JSONSchema)
		compiled, err := gojsonschema.NewSchema(loader)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.Validation, "invalid json schema", err)
		}
		schema.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.EntityType] = schema
	return nil
}

// Get returns the schema for entityType, if registered.
func (r *Registry) Get(entityType string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[entityType]
	return s, ok
}

// Types lists every registered entity type.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	return out
}

// Validate runs JSON-schema validation (if declared) and the domain
// handler's Validate (if any) against entity, per spec.md §4.3 step 2.
func (r *Registry) Validate(entity model.Entity) error {
	schema, ok := r.Get(entity.EntityType)
	if !ok {
		return pkgerrors.New(pkgerrors.UnknownType, entity.EntityType)
	}

	if schema.compiled != nil {
		result, err := schema.compiled.Validate(gojsonschema.NewBytesLoader(entity.Data))
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.Validation, "schema validation error", err)
		}
		if !result.Valid() {
			var msgs []string
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			return pkgerrors.New(pkgerrors.Validation, strings.Join(msgs, "; "))
		}
	}

	if schema.Handler != nil {
		if err := schema.Handler.Validate(entity); err != nil {
			return pkgerrors.Wrap(pkgerrors.Validation, "domain handler rejected entity", err)
		}
	}
	return nil
}

// OnAfterLoad runs the schema's domain handler post-load enrichment, if
// any.
func (r *Registry) OnAfterLoad(entity *model.Entity) {
	schema, ok := r.Get(entity.EntityType)
	if !ok || schema.Handler == nil {
		return
	}
	schema.Handler.OnAfterLoad(entity)
}

// ExtractIndexed projects entity.Data through the schema's indexed fields,
// returning name -> coerced value. Missing optional fields map to nil.
func (r *Registry) ExtractIndexed(entity model.Entity) (map[string]any, error) {
	schema, ok := r.Get(entity.EntityType)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.UnknownType, entity.EntityType)
	}

	var doc any
	if len(entity.Data) > 0 {
		if err := json.Unmarshal(entity.Data, &doc); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.Corruption, "entity data is not valid json", err)
		}
	}

	out := make(map[string]any, len(schema.IndexedFields))
	for _, f := range schema.IndexedFields {
		val, found := resolvePointer(doc, f.Pointer)
		if !found {
			out[f.Name] = nil
			continue
		}
		coerced, err := coerce(val, f.Type)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.Validation, fmt.Sprintf("field %q", f.Name), err)
		}
		out[f.Name] = coerced
	}
	return out, nil
}

// ExtractSearchText projects entity.Data through the schema's FieldText
// columns (concatenated, for Bleve's full-text match) and FieldTag
// columns (kept discrete, for exact-match faceting), the way
// internal/search indexes an entity without needing its own copy of the
// schema's field declarations.
func (r *Registry) ExtractSearchText(entity model.Entity) (text string, tags []string, err error) {
	schema, ok := r.Get(entity.EntityType)
	if !ok {
		return "", nil, pkgerrors.New(pkgerrors.UnknownType, entity.EntityType)
	}

	var doc any
	if len(entity.Data) > 0 {
		if err := json.Unmarshal(entity.Data, &doc); err != nil {
			return "", nil, pkgerrors.Wrap(pkgerrors.Corruption, "entity data is not valid json", err)
		}
	}

	var textParts []string
	for _, f := range schema.IndexedFields {
		val, found := resolvePointer(doc, f.Pointer)
		if !found {
			continue
		}
		switch f.Type {
		case FieldText:
			if s, ok := val.(string); ok {
				textParts = append(textParts, s)
			}
		case FieldTag:
			if s, ok := val.(string); ok {
				tags = append(tags, s)
			}
		}
	}
	return strings.Join(textParts, "\n"), tags, nil
}

// Merge reconciles two concurrent versions of the same entity per the
// schema's declared strategy (spec.md §4.3's merge-on-sync rules).
func (r *Registry) Merge(local, remote model.Entity) (model.Entity, error) {
	schema, ok := r.Get(local.EntityType)
	if !ok {
		return model.Entity{}, pkgerrors.New(pkgerrors.UnknownType, local.EntityType)
	}

	switch schema.Strategy {
	case LwwDocument:
		return mergeLwwDocument(local, remote), nil
	case LwwPerField:
		return mergeLwwPerField(local, remote), nil
	case Custom:
		if schema.Handler == nil {
			return model.Entity{}, pkgerrors.New(pkgerrors.Internal, "custom strategy declared without a handler")
		}
		merged, err := schema.Handler.Merge(local, remote)
		if err != nil {
			return model.Entity{}, pkgerrors.Wrap(pkgerrors.Conflict, "custom merge failed", err)
		}
		return merged, nil
	default:
		return model.Entity{}, pkgerrors.New(pkgerrors.Internal, "unknown merge strategy")
	}
}

// mergeLwwDocument picks the entity with the greater ModifiedAt, breaking
// ties by CreatedBy peer-id lexicographic order.
func mergeLwwDocument(local, remote model.Entity) model.Entity {
	if remote.ModifiedAt > local.ModifiedAt {
		return remote
	}
	if remote.ModifiedAt < local.ModifiedAt {
		return local
	}
	if local.CreatedBy.Less(remote.CreatedBy) {
		return remote
	}
	return local
}

// mergeLwwPerField starts from the newer document overall, then for each
// top-level field picks the side with the greater field-level timestamp.
// Entities without FieldTimestamps fall back to the document-level
// comparison already performed by mergeLwwDocument, per the per-field-LWW
// open question resolved in SPEC_FULL.md §13.
func mergeLwwPerField(local, remote model.Entity) model.Entity {
	if len(local.FieldTimestamps) == 0 && len(remote.FieldTimestamps) == 0 {
		return mergeLwwDocument(local, remote)
	}

	base, other := local, remote
	if remote.ModifiedAt > local.ModifiedAt ||
		(remote.ModifiedAt == local.ModifiedAt && local.CreatedBy.Less(remote.CreatedBy)) {
		base, other = remote, local
	}

	var baseDoc, otherDoc map[string]json.RawMessage
	if err := json.Unmarshal(base.Data, &baseDoc); err != nil {
		return base
	}
	if err := json.Unmarshal(other.Data, &otherDoc); err != nil {
		return base
	}

	merged := make(map[string]json.RawMessage, len(baseDoc))
	for k, v := range baseDoc {
		merged[k] = v
	}

	for field, otherVal := range otherDoc {
		baseTS, hasBase := base.FieldTimestamps[field]
		otherTS, hasOther := other.FieldTimestamps[field]
		if !hasBase && !hasOther {
			continue // base's document-level timestamp already governs this field
		}
		if !hasBase {
			merged[field] = otherVal
			continue
		}
		if hasOther && otherTS.After(baseTS) {
			merged[field] = otherVal
		}
	}

	mergedData, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	base.Data = mergedData
	return base
}

func resolvePointer(doc any, pointer string) (any, bool) {
	if pointer == "" || pointer == "/" {
		return doc, doc != nil
	}
	tokens := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	cur := doc
	for _, tok := range tokens {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[tok]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func coerce(val any, fieldType FieldType) (any, error) {
	switch fieldType {
	case FieldText, FieldTag, FieldDatetime, FieldEnum, FieldDuration:
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", val)
		}
		return s, nil
	case FieldNumber, FieldDecimal, FieldCounter:
		f, ok := val.(float64)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", val)
		}
		return f, nil
	case FieldBool:
		b, ok := val.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", val)
		}
		return b, nil
	case FieldRelation:
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("expected entity id string, got %T", val)
		}
		return s, nil
	case FieldVector, FieldGeoPoint, FieldJSON:
		return val, nil
	default:
		return val, nil
	}
}

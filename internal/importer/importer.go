// Package importer provides workspace export/import for JSON and
// Markdown, operating on the entity model directly (model.Entity)
// rather than a bespoke export record shape, so a JSON export is just
// the same documents entitystore already holds, re-serialized.
package importer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
)

// ExportData is the JSON export envelope: a version tag plus the
// exported entities, so a future format change can be detected on
// import rather than guessed at.
type ExportData struct {
	Version     string         `json:"version"`
	ExportedAt  int64          `json:"exported_at"`
	EntityCount int            `json:"entity_count"`
	Entities    []model.Entity `json:"entities"`
}

const exportVersion = "1"

// Exporter writes entities to JSON or Markdown.
type Exporter struct{}

// NewExporter creates a new exporter.
func NewExporter() *Exporter {
	return &Exporter{}
}

// ExportToJSON writes entities as one ExportData document.
func (e *Exporter) ExportToJSON(entities []model.Entity, exportedAt int64, w io.Writer) error {
	export := ExportData{
		Version:     exportVersion,
		ExportedAt:  exportedAt,
		EntityCount: len(entities),
		Entities:    entities,
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

// noteFields is the generic shape ExportToMarkdown pulls out of an
// entity's Data: title/body/tags, the three fields every note-shaped
// schema (at minimum NoteSchema) declares.
type noteFields struct {
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags,omitempty"`
}

// ExportToMarkdown writes one Markdown file per "note" entity, with a
// frontmatter block carrying id/tags/timestamps and the body as plain
// text underneath. Entities of any other type are skipped: Markdown has
// no natural rendering for a task's due date or a credential's secret.
func (e *Exporter) ExportToMarkdown(entities []model.Entity, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	for _, entity := range entities {
		if entity.EntityType != "note" {
			continue
		}
		var fields noteFields
		if err := json.Unmarshal(entity.Data, &fields); err != nil {
			return fmt.Errorf("decode note %s: %w", entity.ID, err)
		}

		filename := sanitizeFilename(entity.ID.String()) + ".md"
		path := dir + "/" + filename

		var content strings.Builder
		content.WriteString("---\n")
		content.WriteString(fmt.Sprintf("id: %s\n", entity.ID))
		content.WriteString(fmt.Sprintf("title: %s\n", fields.Title))
		if len(fields.Tags) > 0 {
			content.WriteString(fmt.Sprintf("tags: [%s]\n", strings.Join(fields.Tags, ", ")))
		}
		content.WriteString(fmt.Sprintf("created: %d\n", entity.CreatedAt))
		content.WriteString(fmt.Sprintf("updated: %d\n", entity.ModifiedAt))
		content.WriteString("---\n\n")
		content.WriteString(fields.Body)
		content.WriteString("\n")

		if err := os.WriteFile(path, []byte(content.String()), 0644); err != nil {
			return fmt.Errorf("write %s: %w", filename, err)
		}
	}

	return nil
}

// Importer reads entities back from JSON or Markdown.
type Importer struct{}

// NewImporter creates a new importer.
func NewImporter() *Importer {
	return &Importer{}
}

// ImportFromJSON reads either an ExportData envelope or a bare JSON
// array of entities, so an export produced by an older caller that
// only wrote the array still imports.
func (i *Importer) ImportFromJSON(r io.Reader) ([]model.Entity, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var data ExportData
	if err := json.Unmarshal(raw, &data); err == nil && len(data.Entities) > 0 {
		return data.Entities, nil
	}

	var entities []model.Entity
	if err := json.Unmarshal(raw, &entities); err != nil {
		return nil, fmt.Errorf("invalid JSON export format: %w", err)
	}
	return entities, nil
}

// ImportFromMarkdown reads one note entity from a Markdown file with an
// optional frontmatter block. entityType is fixed to "note": Markdown
// import only ever produces note-shaped data.
func (i *Importer) ImportFromMarkdown(r io.Reader) (model.Entity, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return model.Entity{}, err
	}

	fields := noteFields{Body: string(content)}
	text := string(content)
	if strings.HasPrefix(text, "---") {
		parts := strings.SplitN(text, "---", 3)
		if len(parts) >= 3 {
			fields.Body = strings.TrimSpace(parts[2])
			for _, line := range strings.Split(parts[1], "\n") {
				line = strings.TrimSpace(line)
				switch {
				case strings.HasPrefix(line, "title:"):
					fields.Title = strings.TrimSpace(strings.TrimPrefix(line, "title:"))
				case strings.HasPrefix(line, "tags:"):
					tagsStr := strings.TrimSpace(strings.TrimPrefix(line, "tags:"))
					tagsStr = strings.Trim(tagsStr, "[]")
					for _, tag := range strings.Split(tagsStr, ",") {
						tag = strings.TrimSpace(tag)
						if tag != "" {
							fields.Tags = append(fields.Tags, tag)
						}
					}
				}
			}
		}
	}
	if fields.Title == "" {
		fields.Title = "Untitled"
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return model.Entity{}, err
	}

	id, err := ids.NewEntityId()
	if err != nil {
		return model.Entity{}, err
	}
	return model.Entity{ID: id, EntityType: "note", Data: data}, nil
}

func sanitizeFilename(s string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	return replacer.Replace(s)
}

package registry

// Predefined schemas for the worked example types, adapted from the
// previous implementation's schema constants (internal/schema/validator.go:
// TaskSchema, ContactSchema, BookmarkSchema, CredentialSchema) and
// extended with indexed-field declarations and a merge strategy, which the
// previous implementation's flat JSON-schema-only registry had no concept of.

var NoteSchema = &Schema{
	EntityType: "note",
	JSONSchema: []byte(`{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"body": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}}
		}
	}`),
	IndexedFields: []IndexedField{
		{Name: "title", Pointer: "/title", Type: FieldText},
		{Name: "body", Pointer: "/body", Type: FieldText},
	},
	Strategy: LwwPerField,
}

var TaskSchema = &Schema{
	EntityType: "task",
	JSONSchema: []byte(`{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"completed": {"type": "boolean"},
			"due_date": {"type": "string", "format": "date-time"},
			"priority": {"type": "integer", "minimum": 1, "maximum": 5}
		}
	}`),
	IndexedFields: []IndexedField{
		{Name: "title", Pointer: "/title", Type: FieldText},
		{Name: "completed", Pointer: "/completed", Type: FieldBool},
		{Name: "due_date", Pointer: "/due_date", Type: FieldDatetime},
		{Name: "priority", Pointer: "/priority", Type: FieldNumber},
	},
	Strategy: LwwDocument,
}

var ContactSchema = &Schema{
	EntityType: "contact",
	JSONSchema: []byte(`{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"email": {"type": "string", "format": "email"},
			"phone": {"type": "string"}
		}
	}`),
	IndexedFields: []IndexedField{
		{Name: "name", Pointer: "/name", Type: FieldText},
		{Name: "email", Pointer: "/email", Type: FieldTag},
	},
	Strategy: LwwPerField,
}

var BookmarkSchema = &Schema{
	EntityType: "bookmark",
	JSONSchema: []byte(`{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "format": "uri"},
			"title": {"type": "string"},
			"description": {"type": "string"}
		}
	}`),
	IndexedFields: []IndexedField{
		{Name: "url", Pointer: "/url", Type: FieldTag},
		{Name: "title", Pointer: "/title", Type: FieldText},
	},
	Strategy: LwwDocument,
}

var CredentialSchema = &Schema{
	EntityType: "credential",
	JSONSchema: []byte(`{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["service", "username"],
		"properties": {
			"service": {"type": "string", "minLength": 1},
			"username": {"type": "string", "minLength": 1},
			"password": {"type": "string"},
			"totp_secret": {"type": "string"}
		}
	}`),
	IndexedFields: []IndexedField{
		{Name: "service", Pointer: "/service", Type: FieldTag},
		{Name: "username", Pointer: "/username", Type: FieldTag},
	},
	Strategy: LwwDocument,
}

// Builtins returns the predefined schemas, for convenient bulk
// registration at startup.
func Builtins() []*Schema {
	return []*Schema{NoteSchema, TaskSchema, ContactSchema, BookmarkSchema, CredentialSchema}
}

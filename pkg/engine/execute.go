package engine

import (
	"database/sql"
	"encoding/json"

	"github.com/privstack/core/internal/acl"
	"github.com/privstack/core/internal/hooks"
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
	"github.com/privstack/core/internal/pkgerrors"
	"github.com/privstack/core/internal/query"
	"github.com/privstack/core/internal/storage/entitystore"
)

// Request is the generic FFI entry point's decoded argument (spec.md
// §4.7): `{ plugin_id, action, entity_type, entity_id?, payload? }`.
// PluginID selects the subsystem a request targets -- "entity" for the
// registry-backed CRUD store, "acl" for per-entity access control, and
// "vault" for the password-scoped KV overlay -- generalizing the
// previous implementation's single fixed Entry-CRUD surface
// (pkg/engine.Engine) to the open set of plugin-addressable operations
// spec.md's plugin-boundary note describes.
type Request struct {
	PluginID   string          `json:"plugin_id"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Response is the generic FFI entry point's returned JSON: `{ success,
// data?, error_code?, error_message? }`.
type Response struct {
	Success      bool            `json:"success"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    ErrorCode       `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func errResponse(err error) []byte {
	code, msg := classify(err)
	resp := Response{ErrorCode: code, ErrorMessage: msg}
	raw, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		return []byte(`{"success":false,"error_code":1,"error_message":"failed to marshal error response"}`)
	}
	return raw
}

func okResponse(data any) []byte {
	resp := Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return errResponse(err)
		}
		resp.Data = raw
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return errResponse(err)
	}
	return raw
}

// Execute decodes requestJSON, dispatches it, and always returns a
// well-formed Response JSON -- errors are reported inside the response
// body, never as a Go error, matching the FFI boundary's contract that
// every call returns an error_code rather than propagating a panic or Go
// error across the ABI.
func (h *Handle) Execute(requestJSON []byte) []byte {
	var req Request
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return errResponse(pkgerrors.Wrap(pkgerrors.Validation, "decode request", err))
	}

	if err := h.requireUnlocked(); err != nil {
		return errResponse(err)
	}

	switch req.PluginID {
	case "", "entity":
		return h.executeEntity(req)
	case "acl":
		return h.executeACL(req)
	case "vault":
		return h.executeVault(req)
	case "search":
		return h.executeSearch(req)
	default:
		return errResponse(pkgerrors.New(pkgerrors.Validation, "unknown plugin_id: "+req.PluginID))
	}
}

func (h *Handle) executeEntity(req Request) []byte {
	switch req.Action {
	case "create":
		return h.entityCreate(req)
	case "update":
		return h.entityUpdate(req)
	case "read":
		return h.entityRead(req)
	case "delete":
		return h.entityDelete(req)
	case "query":
		return h.entityQuery(req)
	default:
		return errResponse(pkgerrors.New(pkgerrors.Validation, "unknown entity action: "+req.Action))
	}
}

func (h *Handle) entityCreate(req Request) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	entityID, err := ids.NewEntityId()
	if err != nil {
		return errResponse(err)
	}
	entity := model.Entity{
		ID:         entityID,
		EntityType: req.EntityType,
		Data:       req.Payload,
		CreatedBy:  h.localPeer,
	}
	if err := h.reg.Validate(entity); err != nil {
		return errResponse(err)
	}

	ts := h.clock.Now()
	entity.CreatedAt = int64(ts.Millis)
	entity.ModifiedAt = int64(ts.Millis)

	entityKey, err := newEntityKey()
	if err != nil {
		return errResponse(err)
	}
	defer entityKey.Zero()

	ev := model.Event{
		PeerID:     h.localPeer,
		EntityID:   entityID,
		EntityType: req.EntityType,
		Timestamp:  ts,
		Payload:    model.EventPayload{Type: model.EventEntityCreated, Data: req.Payload},
	}
	evID, err := ids.NewEventId()
	if err != nil {
		return errResponse(err)
	}
	ev.ID = evID

	aclState := acl.New(entityID, h.localPeer, ts)

	if err := h.appendEvent(ev, func(tx *sql.Tx) error {
		if err := h.entities.Put(tx, entity, entityKey, h.master); err != nil {
			return err
		}
		return h.acls.Save(tx, aclState)
	}); err != nil {
		return errResponse(err)
	}
	h.indexEntity(entity)
	h.hooks.TriggerAsync(hooks.HookEvent{
		Type: hooks.EventCreate, EntityID: entity.ID, EntityType: entity.EntityType,
		Data: entity.Data, Timestamp: now(),
	})

	return okResponse(entity)
}

func (h *Handle) entityUpdate(req Request) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	entityID, err := ids.ParseEntityId(req.EntityID)
	if err != nil {
		return errResponse(pkgerrors.Wrap(pkgerrors.Validation, "parse entity_id", err))
	}

	existing, err := h.entities.Get(req.EntityType, entityID, h.master)
	if err != nil {
		return errResponse(err)
	}

	updated := existing
	updated.Data = req.Payload
	if err := h.reg.Validate(updated); err != nil {
		return errResponse(err)
	}

	ts := h.clock.Now()
	updated.ModifiedAt = int64(ts.Millis)

	entityKey, err := newEntityKey()
	if err != nil {
		return errResponse(err)
	}
	defer entityKey.Zero()

	evID, err := ids.NewEventId()
	if err != nil {
		return errResponse(err)
	}
	ev := model.Event{
		ID:         evID,
		PeerID:     h.localPeer,
		EntityID:   entityID,
		EntityType: req.EntityType,
		Timestamp:  ts,
		Payload:    model.EventPayload{Type: model.EventEntityUpdated, Data: req.Payload},
	}

	if err := h.appendEvent(ev, func(tx *sql.Tx) error {
		return h.entities.Put(tx, updated, entityKey, h.master)
	}); err != nil {
		return errResponse(err)
	}
	h.indexEntity(updated)
	h.hooks.TriggerAsync(hooks.HookEvent{
		Type: hooks.EventUpdate, EntityID: updated.ID, EntityType: updated.EntityType,
		Data: updated.Data, Timestamp: now(),
	})

	return okResponse(updated)
}

func (h *Handle) entityRead(req Request) []byte {
	entityID, err := ids.ParseEntityId(req.EntityID)
	if err != nil {
		return errResponse(pkgerrors.Wrap(pkgerrors.Validation, "parse entity_id", err))
	}
	entity, err := h.entities.Get(req.EntityType, entityID, h.master)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(entity)
}

func (h *Handle) entityDelete(req Request) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	entityID, err := ids.ParseEntityId(req.EntityID)
	if err != nil {
		return errResponse(pkgerrors.Wrap(pkgerrors.Validation, "parse entity_id", err))
	}

	ts := h.clock.Now()
	evID, err := ids.NewEventId()
	if err != nil {
		return errResponse(err)
	}
	ev := model.Event{
		ID:         evID,
		PeerID:     h.localPeer,
		EntityID:   entityID,
		EntityType: req.EntityType,
		Timestamp:  ts,
		Payload:    model.EventPayload{Type: model.EventEntityDeleted},
	}

	if err := h.appendEvent(ev, func(tx *sql.Tx) error {
		return h.entities.Delete(tx, req.EntityType, entityID)
	}); err != nil {
		return errResponse(err)
	}
	h.deindexEntity(entityID)
	h.hooks.TriggerAsync(hooks.HookEvent{
		Type: hooks.EventDelete, EntityID: entityID, EntityType: req.EntityType, Timestamp: now(),
	})

	return okResponse(nil)
}

// queryRequest is the decoded Payload for a "query" action. Query, when
// set, is parsed by internal/query's SQL-like DSL and takes precedence
// over IndexedEquals, which remains for callers that just want an
// exact-match filter without building a query string.
type queryRequest struct {
	IndexedEquals map[string]string `json:"indexed_equals,omitempty"`
	Query         string            `json:"query,omitempty"`
	Limit         int               `json:"limit,omitempty"`
}

func (h *Handle) entityQuery(req Request) []byte {
	var q queryRequest
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &q); err != nil {
			return errResponse(pkgerrors.Wrap(pkgerrors.Validation, "decode query payload", err))
		}
	}

	if q.Query != "" {
		parsed, err := query.NewParser().Parse(q.Query)
		if err != nil {
			return errResponse(pkgerrors.Wrap(pkgerrors.Validation, "parse query", err))
		}
		entityType := req.EntityType
		if parsed.EntityType != nil {
			entityType = *parsed.EntityType
		}
		if parsed.Limit == 0 {
			parsed.Limit = q.Limit
		}
		whereSQL, args := parsed.ToSQL()
		matches, err := h.entities.QueryRaw(entityType, whereSQL, args)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(matches)
	}

	matches, err := h.entities.Query(entitystore.ListFilter{
		EntityType:    req.EntityType,
		IndexedEquals: q.IndexedEquals,
		Limit:         q.Limit,
	})
	if err != nil {
		return errResponse(err)
	}
	return okResponse(matches)
}

// aclRequest is the decoded Payload for every "acl" plugin_id action.
type aclRequest struct {
	Peer              string `json:"peer,omitempty"`
	Team              string `json:"team,omitempty"`
	Permission        string `json:"permission,omitempty"`
	DefaultPermission string `json:"default_permission,omitempty"`
}

func (h *Handle) executeACL(req Request) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	entityID, err := ids.ParseEntityId(req.EntityID)
	if err != nil {
		return errResponse(pkgerrors.Wrap(pkgerrors.Validation, "parse entity_id", err))
	}
	var body aclRequest
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &body); err != nil {
			return errResponse(pkgerrors.Wrap(pkgerrors.Validation, "decode acl payload", err))
		}
	}

	ts := h.clock.Now()
	var payload model.EventPayload
	switch req.Action {
	case "grant_peer":
		peer, err := ids.ParsePeerId(body.Peer)
		if err != nil {
			return errResponse(pkgerrors.Wrap(pkgerrors.Validation, "parse peer", err))
		}
		payload = model.EventPayload{Type: model.EventAclGrantPeer, GranteePeer: peer, Permission: body.Permission}
	case "revoke_peer":
		peer, err := ids.ParsePeerId(body.Peer)
		if err != nil {
			return errResponse(pkgerrors.Wrap(pkgerrors.Validation, "parse peer", err))
		}
		payload = model.EventPayload{Type: model.EventAclRevokePeer, GranteePeer: peer}
	case "grant_team":
		payload = model.EventPayload{Type: model.EventAclGrantTeam, TeamName: body.Team, Permission: body.Permission}
	case "revoke_team":
		payload = model.EventPayload{Type: model.EventAclRevokeTeam, TeamName: body.Team}
	case "set_default":
		payload = model.EventPayload{Type: model.EventAclSetDefault, DefaultPermission: body.DefaultPermission}
	case "team_add_peer":
		peer, err := ids.ParsePeerId(body.Peer)
		if err != nil {
			return errResponse(pkgerrors.Wrap(pkgerrors.Validation, "parse peer", err))
		}
		payload = model.EventPayload{Type: model.EventTeamAddPeer, TeamName: body.Team, GranteePeer: peer}
	case "team_remove_peer":
		peer, err := ids.ParsePeerId(body.Peer)
		if err != nil {
			return errResponse(pkgerrors.Wrap(pkgerrors.Validation, "parse peer", err))
		}
		payload = model.EventPayload{Type: model.EventTeamRemovePeer, TeamName: body.Team, GranteePeer: peer}
	default:
		return errResponse(pkgerrors.New(pkgerrors.Validation, "unknown acl action: "+req.Action))
	}

	evID, err := ids.NewEventId()
	if err != nil {
		return errResponse(err)
	}
	ev := model.Event{ID: evID, PeerID: h.localPeer, EntityID: entityID, Timestamp: ts, Payload: payload}

	current, err := h.acls.Load(entityID, h.localPeer, ts.Millis)
	if err != nil {
		return errResponse(err)
	}
	if err := acl.ApplyEvent(current, ev); err != nil {
		return errResponse(err)
	}

	if err := h.db.Write(func(tx *sql.Tx) error {
		if err := h.acls.Save(tx, current); err != nil {
			return err
		}
		return h.events.Append(tx, ev)
	}); err != nil {
		return errResponse(err)
	}
	h.publish(ev)
	return okResponse(nil)
}

// vaultRequest is the decoded Payload for every "vault" plugin_id action.
type vaultRequest struct {
	VaultName string `json:"vault_name"`
	Password  string `json:"password,omitempty"`
	Key       string `json:"key,omitempty"`
	Value     []byte `json:"value,omitempty"`
}

func (h *Handle) executeVault(req Request) []byte {
	var body vaultRequest
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &body); err != nil {
			return errResponse(pkgerrors.Wrap(pkgerrors.Validation, "decode vault payload", err))
		}
	}

	switch req.Action {
	case "create":
		if err := h.vaults.CreateVault(body.VaultName, []byte(body.Password)); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)
	case "put":
		unlocked, err := h.vaults.Unlock(body.VaultName, []byte(body.Password))
		if err != nil {
			return errResponse(err)
		}
		defer unlocked.Lock()
		if err := unlocked.Put(body.Key, body.Value, int64(h.clock.Now().Millis)); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)
	case "get":
		unlocked, err := h.vaults.Unlock(body.VaultName, []byte(body.Password))
		if err != nil {
			return errResponse(err)
		}
		defer unlocked.Lock()
		value, err := unlocked.Get(body.Key)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(struct {
			Value []byte `json:"value"`
		}{Value: value})
	case "delete":
		unlocked, err := h.vaults.Unlock(body.VaultName, []byte(body.Password))
		if err != nil {
			return errResponse(err)
		}
		defer unlocked.Lock()
		if err := unlocked.Delete(body.Key); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)
	case "list":
		names, err := h.vaults.ListVaults()
		if err != nil {
			return errResponse(err)
		}
		return okResponse(names)
	default:
		return errResponse(pkgerrors.New(pkgerrors.Validation, "unknown vault action: "+req.Action))
	}
}

// searchRequest is the decoded Payload for a "search" plugin_id request.
type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (h *Handle) executeSearch(req Request) []byte {
	var body searchRequest
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &body); err != nil {
			return errResponse(pkgerrors.Wrap(pkgerrors.Validation, "decode search payload", err))
		}
	}
	if req.Action != "query" {
		return errResponse(pkgerrors.New(pkgerrors.Validation, "unknown search action: "+req.Action))
	}

	hits, err := h.Search(body.Query, SearchOptions{EntityType: req.EntityType, Limit: body.Limit})
	if err != nil {
		return errResponse(err)
	}
	return okResponse(hits)
}

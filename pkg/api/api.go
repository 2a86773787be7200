// Package api provides an HTTP debug/control surface over pkg/engine.Handle:
// a thin REST+SSE wrapper around the same Execute(json) entry point the
// FFI boundary uses, so a browser or curl can drive a workspace without
// linking the C ABI.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/privstack/core/pkg/engine"
)

// Server is the HTTP debug API server.
type Server struct {
	handle *engine.Handle
	mux    *http.ServeMux
}

// New creates a new API server fronting handle, which must already be
// unlocked.
func New(handle *engine.Handle) *Server {
	s := &Server{handle: handle, mux: http.NewServeMux()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/entities/", s.handleEntities)
	s.mux.HandleFunc("/acl/", s.handleACL)
	s.mux.HandleFunc("/vault/", s.handleVault)
	s.mux.HandleFunc("/search", s.handleSearch)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/events", s.handleEvents)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s)
}

// handleEntities routes:
//
//	GET  /entities/{type}           query (body is the queryRequest JSON, optional)
//	POST /entities/{type}           create (body is the entity payload)
//	GET  /entities/{type}/{id}      read
//	PUT  /entities/{type}/{id}      update (body is the entity payload)
//	DELETE /entities/{type}/{id}    delete
func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/entities/"))
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "missing entity type", http.StatusBadRequest)
		return
	}

	req := engine.Request{PluginID: "entity", EntityType: parts[0]}
	if len(parts) > 1 {
		req.EntityID = parts[1]
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		req.Action = "query"
	case len(parts) == 1 && r.Method == http.MethodPost:
		req.Action = "create"
	case len(parts) == 2 && r.Method == http.MethodGet:
		req.Action = "read"
	case len(parts) == 2 && r.Method == http.MethodPut:
		req.Action = "update"
	case len(parts) == 2 && r.Method == http.MethodDelete:
		req.Action = "delete"
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if req.Action == "create" || req.Action == "update" || req.Action == "query" {
		body, err := readBodyIfPresent(r)
		if err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		req.Payload = body
	}

	s.execute(w, req)
}

// handleACL routes POST /acl/{type}/{id}/{action}, body is the acl payload JSON.
func (s *Server) handleACL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/acl/"))
	if len(parts) != 3 {
		http.Error(w, "expected /acl/{type}/{id}/{action}", http.StatusBadRequest)
		return
	}
	body, err := readBodyIfPresent(r)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.execute(w, engine.Request{
		PluginID:   "acl",
		Action:     parts[2],
		EntityType: parts[0],
		EntityID:   parts[1],
		Payload:    body,
	})
}

// handleVault routes POST /vault/{action}, body is the vault payload JSON.
func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/vault/"))
	if len(parts) != 1 || parts[0] == "" {
		http.Error(w, "expected /vault/{action}", http.StatusBadRequest)
		return
	}
	body, err := readBodyIfPresent(r)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.execute(w, engine.Request{PluginID: "vault", Action: parts[0], Payload: body})
}

// handleSearch routes GET /search?q=...&type=...&limit=....
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	payload, err := json.Marshal(struct {
		Query string `json:"query"`
		Limit int    `json:"limit,omitempty"`
	}{Query: r.URL.Query().Get("q"), Limit: limit})
	if err != nil {
		http.Error(w, "failed to encode request", http.StatusInternalServerError)
		return
	}
	s.execute(w, engine.Request{
		PluginID:   "search",
		Action:     "query",
		EntityType: r.URL.Query().Get("type"),
		Payload:    payload,
	})
}

// execute runs req through the handle's generic FFI entry point and
// translates its Response into an HTTP status and body, so this surface
// never duplicates the dispatch logic Execute already owns.
func (s *Server) execute(w http.ResponseWriter, req engine.Request) {
	raw, err := json.Marshal(req)
	if err != nil {
		http.Error(w, "failed to encode request", http.StatusInternalServerError)
		return
	}

	var resp engine.Response
	if err := json.Unmarshal(s.handle.Execute(raw), &resp); err != nil {
		http.Error(w, "failed to decode response", http.StatusInternalServerError)
		return
	}

	if !resp.Success {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusForErrorCode(resp.ErrorCode))
		json.NewEncoder(w).Encode(resp)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if len(resp.Data) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Data)
}

func statusForErrorCode(code engine.ErrorCode) int {
	switch code {
	case engine.ErrValidation, engine.ErrUnknownType:
		return http.StatusBadRequest
	case engine.ErrNotFound:
		return http.StatusNotFound
	case engine.ErrBadPassword, engine.ErrLocked:
		return http.StatusUnauthorized
	case engine.ErrConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := map[string]interface{}{
		"status":        "ok",
		"local_peer_id": s.handle.LocalPeerID().String(),
		"peer_count":    s.handle.PeerCount(),
	}
	respondJSON(w, http.StatusOK, status)
}

// handleEvents streams every event the handle appends or applies as a
// Server-Sent Events feed, for watching sync/local activity live.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sub := s.handle.Subscribe()
	defer sub.Close()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func readBodyIfPresent(r *http.Request) (json.RawMessage, error) {
	if r.ContentLength == 0 {
		return nil, nil
	}
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

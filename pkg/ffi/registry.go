// Package ffi holds the cgo-free half of PrivStack's C ABI: a handle
// registry mapping opaque integer handles to *engine.Handle, so the
// cgo-exported functions in cmd/privstackffi stay thin wrappers with no
// business logic of their own. Kept as plain Go (no `import "C"`) so it
// can be unit tested without a cgo build.
//
// There is no library in the retrieved corpus for this concern -- every
// example repo exposes its functionality as a Go API or network
// service, never a C ABI -- so this package is deliberately
// standard-library-only; see DESIGN.md's entry for pkg/ffi.
package ffi

import (
	"sync"
	"sync/atomic"

	"github.com/privstack/core/internal/pkgerrors"
	"github.com/privstack/core/pkg/engine"
)

// Registry assigns a stable, non-reusable uintptr id to each open
// *engine.Handle so the ABI can pass that id across the boundary instead
// of a raw Go pointer, which cgo callers must never dereference and Go's
// runtime must never have its memory layout assumptions violated on.
type Registry struct {
	mu      sync.RWMutex
	handles map[uintptr]*engine.Handle
	next    uintptr
}

// NewRegistry constructs an empty handle registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[uintptr]*engine.Handle)}
}

// Put registers h and returns its id.
func (r *Registry) Put(h *engine.Handle) uintptr {
	id := atomic.AddUintptr(&r.next, 1)
	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()
	return id
}

// Get resolves id to its *engine.Handle, or an Internal error if id is
// unknown -- every cgo export validates its handle argument through
// this before touching engine state, since a caller passing a stale or
// forged id must never reach real memory.
func (r *Registry) Get(id uintptr) (*engine.Handle, error) {
	r.mu.RLock()
	h, ok := r.handles[id]
	r.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.New(pkgerrors.Internal, "unknown handle")
	}
	return h, nil
}

// Remove drops id from the registry, called once its Handle is closed.
func (r *Registry) Remove(id uintptr) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

package vault

import (
	"sync"

	"github.com/privstack/core/internal/pkgerrors"
)

// Manager tracks which vault is currently active for callers (such as the
// CLI) that operate on "the current vault" rather than naming one
// explicitly each call. Adapted from the previous implementation's Manager
// (internal/vault/manager.go), which persisted vault metadata to
// its own vaults.json file; that bookkeeping now lives in Store's
// vault_meta table, so Manager is reduced to the active-vault selection it
// uniquely owns, layered over one Store.
type Manager struct {
	store  *Store
	mu     sync.RWMutex
	active string
}

// NewManager wraps store with active-vault tracking.
func NewManager(store *Store) *Manager {
	return &Manager{store: store}
}

// SetActive selects name as the active vault if it exists.
func (m *Manager) SetActive(name string) error {
	names, err := m.store.ListVaults()
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == name {
			m.mu.Lock()
			m.active = name
			m.mu.Unlock()
			return nil
		}
	}
	return pkgerrors.New(pkgerrors.NotFound, "vault "+name)
}

// Active returns the currently selected vault name, if any.
func (m *Manager) Active() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, m.active != ""
}

// Package engine provides PrivStack's public entry point: Handle, the
// PrivStackHandle of spec.md §4.7/§6. It owns every store, the vault, the
// schema registry, and the sync engine, and exposes the small synchronous
// method set (Open/Unlock/Lock/Close/StartSync/StopSync/LocalPeerID/Execute)
// that pkg/ffi wraps in a C ABI. It replaces the previous implementation's pkg/engine.Engine
// (a fixed Note/Log/File/Event entry type with AddEntry/GetEntry/...),
// generalizing the same "one façade in front of storage+crypto+sync" shape
// to the registry's open entity-type set.
package engine

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/privstack/core/internal/acl"
	"github.com/privstack/core/internal/crypto"
	"github.com/privstack/core/internal/hlc"
	"github.com/privstack/core/internal/hooks"
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/model"
	"github.com/privstack/core/internal/pkgerrors"
	"github.com/privstack/core/internal/registry"
	"github.com/privstack/core/internal/search"
	"github.com/privstack/core/internal/storage"
	"github.com/privstack/core/internal/storage/blobstore"
	"github.com/privstack/core/internal/storage/entitystore"
	"github.com/privstack/core/internal/storage/eventstore"
	synceng "github.com/privstack/core/internal/sync"
	"github.com/privstack/core/internal/vault"
)

const (
	dbFileName       = "workspace.db"
	identityFileName = "identity.json"
	libp2pKeyFile    = "libp2p_identity.key"
)

// Handle is one open workspace. It is safe for concurrent use: every
// method takes the internal mutex, matching the previous implementation's
// single-writer-lock discipline (storage.DB.Write) extended up to the
// handle level for the lock/unlock state transition itself.
type Handle struct {
	mu   sync.Mutex
	path string

	keystore *crypto.FileKeyStore
	unlocked bool
	master   crypto.Key

	db       *storage.DB
	reg      *registry.Registry
	entities *entitystore.Store
	events   *eventstore.Store
	blobs    *blobstore.Store
	vaults   *vault.Store
	acls     *acl.Store
	clock    *hlc.Clock
	search   *search.Index
	hooks    *hooks.Manager

	localPeer ids.PeerId

	syncEngine *synceng.Engine
	syncCancel func()
	syncTrust  *synceng.TrustStore

	// Logger receives sync engine diagnostics (peer connect/disconnect,
	// session failures). Left nil, StartSync runs silent. cmd/privstackd
	// sets this to a logrus-backed adapter before calling StartSync.
	Logger synceng.Logger

	subsMu   sync.Mutex
	subs     map[int]chan model.Event
	subsNext int
}

// Open opens (creating if needed) the workspace directory at path. The
// returned Handle is locked; call Unlock before any entity operation.
func Open(path string) (*Handle, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "create workspace directory", err)
	}

	db, err := storage.Open(filepath.Join(path, dbFileName))
	if err != nil {
		return nil, err
	}

	localPeer, err := loadOrCreateIdentity(path)
	if err != nil {
		db.Close()
		return nil, err
	}

	h := &Handle{
		path:      path,
		keystore:  crypto.NewFileKeyStore(path),
		db:        db,
		localPeer: localPeer,
		clock:     hlc.New(),
		hooks:     hooks.NewManager(),
	}
	return h, nil
}

// Hooks returns the workspace's webhook/callback manager. Registering a
// callback or webhook is opt-in and has no effect until something calls
// Hooks().On*/RegisterWebhook -- a fresh Handle triggers nothing.
func (h *Handle) Hooks() *hooks.Manager {
	return h.hooks
}

func loadOrCreateIdentity(path string) (ids.PeerId, error) {
	idPath := filepath.Join(path, identityFileName)
	if raw, err := os.ReadFile(idPath); err == nil {
		id, err := ids.ParsePeerId(string(raw))
		if err != nil {
			return ids.PeerId{}, pkgerrors.Wrap(pkgerrors.Corruption, "parse identity file", err)
		}
		return id, nil
	} else if !os.IsNotExist(err) {
		return ids.PeerId{}, pkgerrors.Wrap(pkgerrors.Internal, "read identity file", err)
	}

	id, err := ids.NewPeerId()
	if err != nil {
		return ids.PeerId{}, pkgerrors.Wrap(pkgerrors.Internal, "generate peer id", err)
	}
	if err := os.WriteFile(idPath, []byte(id.String()), 0o600); err != nil {
		return ids.PeerId{}, pkgerrors.Wrap(pkgerrors.Internal, "write identity file", err)
	}
	return id, nil
}

// Unlock derives (or, on first use, initializes) the workspace master key
// from password and wires up every store. Calling Unlock twice without an
// intervening Lock is a no-op success.
func (h *Handle) Unlock(password []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.unlocked {
		return nil
	}

	if !h.keystore.IsInitialized() {
		if err := h.keystore.Initialize(password); err != nil {
			return err
		}
	}
	master, err := h.keystore.Unlock(password)
	if err != nil {
		return err
	}

	reg := registry.New()
	for _, schema := range registry.Builtins() {
		if err := reg.Register(schema); err != nil {
			master.Zero()
			return pkgerrors.Wrap(pkgerrors.Internal, "register builtin schema", err)
		}
	}

	events, err := eventstore.New(h.db)
	if err != nil {
		master.Zero()
		return err
	}
	vaults, err := vault.New(h.db)
	if err != nil {
		master.Zero()
		return err
	}
	acls, err := acl.OpenStore(h.db, h.localPeer)
	if err != nil {
		master.Zero()
		return err
	}
	blobs, err := blobstore.New(h.db, h.path)
	if err != nil {
		master.Zero()
		return err
	}
	searchIndex, err := search.NewIndex(h.path)
	if err != nil {
		master.Zero()
		return pkgerrors.Wrap(pkgerrors.Internal, "open search index", err)
	}

	h.master = master
	h.reg = reg
	h.entities = entitystore.New(h.db, reg)
	h.events = events
	h.vaults = vaults
	h.acls = acls
	h.blobs = blobs
	h.search = searchIndex
	h.unlocked = true
	return nil
}

// Lock zeroizes the master key and drops every store handle that was
// built from it. The sync engine, if running, is stopped first since it
// holds an EventSource closure into the now-locked stores.
func (h *Handle) Lock() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lockLocked()
}

func (h *Handle) lockLocked() error {
	if !h.unlocked {
		return nil
	}
	if h.syncCancel != nil {
		h.syncCancel()
		h.syncCancel = nil
	}
	if h.syncEngine != nil {
		_ = h.syncEngine.Stop()
		h.syncEngine = nil
	}
	h.master.Zero()
	h.reg = nil
	h.entities = nil
	h.events = nil
	h.vaults = nil
	h.acls = nil
	h.blobs = nil
	if h.search != nil {
		_ = h.search.Close()
		h.search = nil
	}
	h.unlocked = false

	h.closeAllSubs()
	return nil
}

// closeAllSubs closes and drops every live subscription, e.g. on Lock.
// It shares the same subsMu-guarded map as unsubscribe, so a concurrent
// Subscription.Close racing this call closes its channel at most once.
func (h *Handle) closeAllSubs() {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

// Close locks the workspace (if unlocked) and releases the database
// handle. The Handle must not be used afterward.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.lockLocked(); err != nil {
		return err
	}
	return h.db.Close()
}

// LocalPeerID returns this workspace's application-level peer identity,
// stable across Open calls.
func (h *Handle) LocalPeerID() ids.PeerId {
	return h.localPeer
}

// requireUnlocked is called at the top of every operation that touches
// store state.
func (h *Handle) requireUnlocked() error {
	if !h.unlocked {
		return pkgerrors.New(pkgerrors.Locked, "workspace is locked")
	}
	return nil
}

// appendEvent writes ev's payload to the event log and applies it to the
// entity store inside one transaction, so a reader never observes a
// durable event whose entity row hasn't landed yet or vice versa (spec.md
// §4.4's atomicity boundary).
func (h *Handle) appendEvent(ev model.Event, apply func(tx *sql.Tx) error) error {
	if err := h.db.Write(func(tx *sql.Tx) error {
		if err := apply(tx); err != nil {
			return err
		}
		return h.events.Append(tx, ev)
	}); err != nil {
		return err
	}
	h.publish(ev)
	return nil
}

// libp2pIdentity loads or generates the Ed25519 key backing this
// workspace's libp2p host, kept separate from the application-level
// PeerId: spec.md's sync transport needs a libp2p-shaped identity, while
// storage and CRDT tie-breaks use the UUIDv7 PeerId.
func (h *Handle) libp2pIdentity() (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(h.path, libp2pKeyFile)
	if raw, err := os.ReadFile(keyPath); err == nil {
		return libp2pcrypto.UnmarshalPrivateKey(raw)
	} else if !os.IsNotExist(err) {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "read libp2p identity", err)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "generate libp2p identity", err)
	}
	raw, err := libp2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "marshal libp2p identity", err)
	}
	if err := os.WriteFile(keyPath, raw, 0o600); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "write libp2p identity", err)
	}
	return priv, nil
}

// now is a small seam kept consistent with the previous implementation's preference for
// an injectable clock at integration boundaries (hlc.Clock.Now already
// covers event timestamps; this one is for file/invite timestamps only).
var now = time.Now

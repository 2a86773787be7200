package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/privstack/core/internal/pkgerrors"
	synceng "github.com/privstack/core/internal/sync"
)

const (
	trustStoreFileName = "trust_store.json"
	syncCodeFileName   = "sync_code"
)

// defaultListenAddrs is used by StartSyncDefault and by any caller that
// doesn't need to pin a specific port, such as the FFI boundary's
// privstack_start_sync(handle) which takes no listen-address argument.
var defaultListenAddrs = []string{"/ip4/0.0.0.0/udp/0/quic-v1"}

// StartSyncDefault brings up sync on defaultListenAddrs, using the
// workspace's persisted sync code (generating and saving one on first
// use). It exists for callers that can't express a listen-address or
// sync-code argument, namely the FFI boundary's privstack_start_sync.
func (h *Handle) StartSyncDefault() error {
	code, err := h.loadOrCreateSyncCode()
	if err != nil {
		return err
	}
	return h.StartSync(defaultListenAddrs, code)
}

func (h *Handle) loadOrCreateSyncCode() (string, error) {
	codePath := filepath.Join(h.path, syncCodeFileName)
	if raw, err := os.ReadFile(codePath); err == nil {
		return string(raw), nil
	} else if !os.IsNotExist(err) {
		return "", pkgerrors.Wrap(pkgerrors.Internal, "read sync code", err)
	}

	code, err := synceng.GenerateSyncCode()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(codePath, []byte(code), 0o600); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.Internal, "write sync code", err)
	}
	return code, nil
}

// StartSync brings up the libp2p sync engine listening on listenAddrs and
// begins discovering/advertising under syncCode's rendezvous namespace
// (spec.md §4.6). Calling StartSync while already running is a no-op
// success, matching Unlock's idempotent-call contract.
func (h *Handle) StartSync(listenAddrs []string, syncCode string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.requireUnlocked(); err != nil {
		return err
	}
	if h.syncEngine != nil {
		return nil
	}

	trust, err := synceng.OpenTrustStore(h.path + "/" + trustStoreFileName)
	if err != nil {
		return err
	}
	h.syncTrust = trust

	priv, err := h.libp2pIdentity()
	if err != nil {
		return err
	}

	logger := h.Logger
	if logger == nil {
		logger = noopSyncLogger{}
	}
	eng, err := synceng.NewEngine(priv, listenAddrs, h.localPeer, h, logger)
	if err != nil {
		return err
	}
	eng.AllowPeer = trust.IsTrustedLibp2p

	ctx, cancel := context.WithCancel(context.Background())
	namespace := synceng.RendezvousNamespace(syncCode)
	if err := eng.Start(ctx, namespace, []peer.AddrInfo{}); err != nil {
		cancel()
		_ = eng.Stop()
		return pkgerrors.Wrap(pkgerrors.Transport, "start sync engine", err)
	}

	h.syncEngine = eng
	h.syncCancel = cancel
	return nil
}

// StopSync tears down the sync engine, if running. Calling it while not
// running is a no-op success.
func (h *Handle) StopSync() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.syncCancel != nil {
		h.syncCancel()
		h.syncCancel = nil
	}
	if h.syncEngine != nil {
		err := h.syncEngine.Stop()
		h.syncEngine = nil
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.Internal, "stop sync engine", err)
		}
	}
	return nil
}

// PeerCount reports the number of connected sync peers, or 0 if sync
// isn't running. pkg/api's /status route surfaces it the way the
// previous implementation's cmd/vaultd reported its own peer count.
func (h *Handle) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.syncEngine == nil {
		return 0
	}
	return len(h.syncEngine.Peers())
}

type noopSyncLogger struct{}

func (noopSyncLogger) Printf(string, ...interface{}) {}

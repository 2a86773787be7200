package sync

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	gosync "sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/pkgerrors"
)

// TrustedPeer is one entry in a workspace's trust store: a peer this
// workspace has completed pairing with and will accept sync sessions
// from. Renamed from the previous implementation's AllowedPeer (internal/sync/allowlist.go)
// to reflect that trust here is earned via a verified PeerInvite
// signature, not just an operator-maintained allow/deny list.
type TrustedPeer struct {
	PeerID    ids.PeerId `json:"peer_id"`
	Libp2pID  string     `json:"libp2p_id,omitempty"`
	Label     string     `json:"label"`
	PairedAt  int64      `json:"paired_at"`
	LastSeen  int64      `json:"last_seen,omitempty"`
}

// TrustStore is the persisted set of peers this workspace will sync
// with, one JSON file per workspace directory. It replaces the
// previous implementation's in-memory-with-periodic-flush Allowlist with a simpler
// load-mutate-save cycle, since trust changes (pairing, revocation) are
// infrequent compared to the sync traffic the old allowlist was also
// gating on every message.
type TrustStore struct {
	path string

	mu    gosync.Mutex
	peers map[ids.PeerId]TrustedPeer
}

// OpenTrustStore loads (or initializes) the trust store file at path.
func OpenTrustStore(path string) (*TrustStore, error) {
	ts := &TrustStore{path: path, peers: make(map[ids.PeerId]TrustedPeer)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ts, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "read trust store", err)
	}
	var list []TrustedPeer
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Corruption, "unmarshal trust store", err)
	}
	for _, p := range list {
		ts.peers[p.PeerID] = p
	}
	return ts, nil
}

// Trust records peer as trusted, called once pairing's invite signature
// has verified successfully. libp2pID binds the app-level PeerId to the
// libp2p identity the invite advertised, so IsTrustedLibp2p can gate
// inbound streams before any session-protocol bytes (which carry the
// app-level PeerId) are read.
func (ts *TrustStore) Trust(peer ids.PeerId, libp2pID, label string, now time.Time) error {
	ts.mu.Lock()
	ts.peers[peer] = TrustedPeer{PeerID: peer, Libp2pID: libp2pID, Label: label, PairedAt: now.Unix()}
	ts.mu.Unlock()
	return ts.save()
}

// Revoke removes peer from the trust store; existing connections aren't
// torn down by this call alone -- callers should also drop any live
// session with the peer.
func (ts *TrustStore) Revoke(peer ids.PeerId) error {
	ts.mu.Lock()
	delete(ts.peers, peer)
	ts.mu.Unlock()
	return ts.save()
}

// IsTrusted reports whether peer has been paired and not since revoked.
func (ts *TrustStore) IsTrusted(peer ids.PeerId) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, ok := ts.peers[peer]
	return ok
}

// IsTrustedLibp2p reports whether pid is the libp2p identity of some
// currently trusted peer, used to gate an inbound stream before the
// session protocol has exchanged anything carrying an app-level PeerId.
func (ts *TrustStore) IsTrustedLibp2p(pid peer.ID) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	want := pid.String()
	for _, p := range ts.peers {
		if p.Libp2pID == want {
			return true
		}
	}
	return false
}

// Touch updates a trusted peer's last-seen timestamp, best-effort (a
// peer that was revoked between a sync attempt starting and ending is
// simply not recorded).
func (ts *TrustStore) Touch(peer ids.PeerId, now time.Time) error {
	ts.mu.Lock()
	p, ok := ts.peers[peer]
	if !ok {
		ts.mu.Unlock()
		return nil
	}
	p.LastSeen = now.Unix()
	ts.peers[peer] = p
	ts.mu.Unlock()
	return ts.save()
}

// List returns every trusted peer, sorted by pairing time.
func (ts *TrustStore) List() []TrustedPeer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]TrustedPeer, 0, len(ts.peers))
	for _, p := range ts.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairedAt < out[j].PairedAt })
	return out
}

func (ts *TrustStore) save() error {
	ts.mu.Lock()
	list := make([]TrustedPeer, 0, len(ts.peers))
	for _, p := range ts.peers {
		list = append(list, p)
	}
	ts.mu.Unlock()

	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "marshal trust store", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(ts.path), ".trust-tmp-*")
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "create temp trust store file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return pkgerrors.Wrap(pkgerrors.Internal, "write temp trust store file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return pkgerrors.Wrap(pkgerrors.Internal, "close temp trust store file", err)
	}
	if err := os.Rename(tmpName, ts.path); err != nil {
		os.Remove(tmpName)
		return pkgerrors.Wrap(pkgerrors.Internal, "rename temp trust store file", err)
	}
	return nil
}

package sync

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/privstack/core/internal/crdt"
	"github.com/privstack/core/internal/crypto"
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/pkgerrors"
)

// DumbFileTransport moves sync messages through a shared directory (a
// synced folder, removable drive, or network share) instead of a live
// connection, for peers that never have a direct network path to each
// other. It has no previous implementation precedent: the previous implementation's sync stack assumed a
// live libp2p stream was always available. Each message is sealed with
// crypto.EncryptFileEnvelope (AES-256-GCM) into its own file, written
// atomically (tmp file then rename) so a reader never observes a
// partially written frame. Each peer also keeps one ".snap" file holding
// its per-entity vector clocks, from which the other peers work out which
// events it still lacks and publish them. The ".snap" file carries no
// entity data, and ReadNew reads every event file present, so a newly
// joined peer still replays the channel's event files.
type DumbFileTransport struct {
	dir       string
	key       crypto.Key
	localPeer ids.PeerId
	retention time.Duration
}

const (
	eventFileExt    = ".evt"
	snapshotFileExt = ".snap"
	// defaultRetention matches spec.md §4.6's dumb-file channel pruning
	// window: files older than this are deleted by PruneExpired.
	defaultRetention = 24 * time.Hour
)

// NewDumbFileTransport opens dir (created if absent) as a sync channel,
// sealed with key (see crypto.DeriveFileSyncKey), shared out-of-band
// between every peer using this channel.
func NewDumbFileTransport(dir string, key crypto.Key, localPeer ids.PeerId) (*DumbFileTransport, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "create dumb-file sync directory", err)
	}
	return &DumbFileTransport{dir: dir, key: key, localPeer: localPeer, retention: defaultRetention}, nil
}

// seal encrypts plaintext under the channel key.
func (t *DumbFileTransport) seal(plaintext []byte) ([]byte, error) {
	return crypto.EncryptFileEnvelope(t.key, plaintext)
}

// open decrypts an envelope produced by seal.
func (t *DumbFileTransport) open(envelope []byte) ([]byte, error) {
	plaintext, err := crypto.DecryptFileEnvelope(t.key, envelope)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// writeAtomic writes data to a temp file in dir then renames it into
// place, so a concurrent reader in the same directory (e.g. a sync
// folder client on another device) never observes a truncated file.
func (t *DumbFileTransport) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(t.dir, ".tmp-*")
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "create temp sync file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return pkgerrors.Wrap(pkgerrors.Internal, "write temp sync file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return pkgerrors.Wrap(pkgerrors.Internal, "close temp sync file", err)
	}
	if err := os.Rename(tmpName, filepath.Join(t.dir, name)); err != nil {
		os.Remove(tmpName)
		return pkgerrors.Wrap(pkgerrors.Internal, "rename temp sync file into place", err)
	}
	return nil
}

// fileName builds a lexically sortable, per-peer event file name so
// ReadNew can cheaply filter by peer and approximate write order.
func (t *DumbFileTransport) fileName(ts time.Time, seq uint64) string {
	return fmt.Sprintf("%020d-%s-%020d%s", ts.UnixNano(), t.localPeer.String(), seq, eventFileExt)
}

// PublishBatch seals msg and atomically publishes it into the channel
// directory as a new event file.
func (t *DumbFileTransport) PublishBatch(msg *Message, now time.Time, seq uint64) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "marshal sync message", err)
	}
	envelope, err := t.seal(body)
	if err != nil {
		return err
	}
	return t.writeAtomic(t.fileName(now, seq), envelope)
}

// PublishSnapshot atomically replaces this peer's snapshot file with msg,
// which Exchange fills with the local per-entity vector clocks. Other
// peers read it (ReadSnapshots) to compute which events to publish for
// this peer; it holds no entity state and is not imported by any reader.
func (t *DumbFileTransport) PublishSnapshot(msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "marshal snapshot message", err)
	}
	envelope, err := t.seal(body)
	if err != nil {
		return err
	}
	return t.writeAtomic(t.localPeer.String()+snapshotFileExt, envelope)
}

// ReadNew decrypts and returns every event-batch message currently in the
// channel directory not authored by the local peer, oldest first.
func (t *DumbFileTransport) ReadNew() ([]*Message, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "list sync directory", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), eventFileExt) {
			continue
		}
		if strings.Contains(e.Name(), "-"+t.localPeer.String()+"-") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []*Message
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(t.dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, pkgerrors.Wrap(pkgerrors.Internal, "read sync file", err)
		}
		body, err := t.open(raw)
		if err != nil {
			return nil, err
		}
		var msg Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.Corruption, "unmarshal sync message", err)
		}
		out = append(out, &msg)
	}
	return out, nil
}

// ReadSnapshots decrypts every peer's published snapshot file other than
// the local peer's own.
func (t *DumbFileTransport) ReadSnapshots() (map[string]*Message, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "list sync directory", err)
	}

	out := make(map[string]*Message)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), snapshotFileExt) {
			continue
		}
		peerName := strings.TrimSuffix(e.Name(), snapshotFileExt)
		if peerName == t.localPeer.String() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(t.dir, e.Name()))
		if err != nil {
			continue
		}
		body, err := t.open(raw)
		if err != nil {
			return nil, err
		}
		var msg Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.Corruption, "unmarshal snapshot message", err)
		}
		out[peerName] = &msg
	}
	return out, nil
}

// PruneExpired deletes event files older than the channel's retention
// window (24h by default, spec.md §4.6), called on an hourly timer by
// whoever is driving the channel.
func (t *DumbFileTransport) PruneExpired(now time.Time) error {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "list sync directory", err)
	}
	cutoff := now.Add(-t.retention)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), eventFileExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(t.dir, e.Name()))
		}
	}
	return nil
}

// Exchange runs one local round against the channel: publish the local
// diff against every known peer snapshot, then apply every unseen event
// file through session's dependency-parking receive path. It deliberately
// doesn't implement frameIO / Session.Run's live request/response shape
// since a dumb-file channel has no synchronous round trip -- this is the
// channel's own drive loop instead.
func (t *DumbFileTransport) Exchange(session *Session, now time.Time) error {
	localState, err := session.source.ReplicaState()
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "load local replica state", err)
	}

	snapshots, err := t.ReadSnapshots()
	if err != nil {
		return err
	}

	var seq uint64
	published := make(map[string]bool)
	for _, snapMsg := range snapshots {
		remoteState := crdt.ReplicaStateFromSnapshot(snapMsg.Clocks)
		diff, err := session.computeDiff(remoteState)
		if err != nil {
			return err
		}
		if len(diff) == 0 {
			continue
		}
		key := fmt.Sprintf("%v", diff[0].ID)
		if published[key] {
			continue
		}
		for start := 0; start < len(diff); start += MaxEventBatch {
			end := start + MaxEventBatch
			if end > len(diff) {
				end = len(diff)
			}
			if err := t.PublishBatch(&Message{Type: MsgEventBatch, Events: diff[start:end]}, now, seq); err != nil {
				return err
			}
			seq++
		}
		published[key] = true
	}

	if err := t.PublishSnapshot(&Message{Type: MsgClockExchange, Clocks: localState.Snapshot()}); err != nil {
		return err
	}

	incoming, err := t.ReadNew()
	if err != nil {
		return err
	}
	for _, msg := range incoming {
		if msg.Type != MsgEventBatch {
			continue
		}
		for _, ev := range msg.Events {
			session.receive(ev)
		}
	}
	return nil
}

var _ io.Closer = (*noopCloser)(nil)

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

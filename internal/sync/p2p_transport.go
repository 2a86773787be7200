package sync

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	quictransport "github.com/libp2p/go-libp2p/p2p/transport/quic"
	multiaddr "github.com/multiformats/go-multiaddr"

	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/pkgerrors"
)

// syncProtocolID is the libp2p stream protocol PrivStack sync sessions
// run over, replacing the previous implementation's fixed sync protocol
// string (internal/sync/p2p.go).
const syncProtocolID = protocol.ID("/privstack/sync/1.0.0")

// maxFrameBytes bounds a single framed message, guarding against a
// malformed or hostile peer claiming an unbounded length prefix.
const maxFrameBytes = 64 << 20

// Engine drives peer discovery, connection, and sync sessions over
// libp2p. It replaces the previous implementation's p2pService (internal/sync/p2p.go),
// keeping its "one QUIC host, one Noise-secured stream protocol, run a
// Session per connected peer" shape while swapping in the vector-clock
// session protocol from engine.go in place of the previous implementation's state-hash
// comparison.
type Engine struct {
	host      host.Host
	source    EventSource
	localPeer ids.PeerId
	logger    Logger

	namespace string
	discovery *dhtDiscovery
	mdnsFound chan network_AddrInfo

	mu    gosync.Mutex
	peers map[peer.ID]struct{}

	cancel context.CancelFunc

	// AllowPeer, if set, gates inbound sync streams: a peer this returns
	// false for has its stream closed before any session protocol bytes
	// are exchanged. Left nil, every discovered/connecting peer is
	// allowed, matching the previous implementation's p2pService which had no pairing
	// concept to gate on.
	AllowPeer func(peer.ID) bool
}

// network_AddrInfo avoids a second import alias collision with the core
// peer package in this file's import block.
type network_AddrInfo = peer.AddrInfo

// NewEngine constructs a libp2p host listening over QUIC with an explicit
// Noise security transport, per spec.md §4.6's requirement that
// transport security not rely on an implicit default.
func NewEngine(priv libp2pcrypto.PrivKey, listenAddrs []string, localPeer ids.PeerId, source EventSource, logger Logger) (*Engine, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	maddrs, err := parseMultiaddrs(listenAddrs)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(maddrs...),
		libp2p.Transport(quictransport.NewTransport),
		libp2p.Security(noise.ID, noise.New),
	)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "construct libp2p host", err)
	}

	e := &Engine{
		host:      h,
		source:    source,
		localPeer: localPeer,
		logger:    logger,
		peers:     make(map[peer.ID]struct{}),
	}
	h.SetStreamHandler(syncProtocolID, e.handleStream)
	return e, nil
}

func parseMultiaddrs(addrs []string) ([]multiaddr.Multiaddr, error) {
	out := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		m, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.Validation, fmt.Sprintf("parse multiaddr %q", a), err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Start begins advertising and discovering peers under namespace (see
// RendezvousNamespace) via both mDNS and the DHT, syncing with each
// newly discovered peer as it's found.
func (e *Engine) Start(ctx context.Context, namespace string, bootstrapPeers []peer.AddrInfo) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.namespace = namespace

	disc, err := newDHTDiscovery(ctx, e.host, namespace, bootstrapPeers)
	if err != nil {
		cancel()
		return err
	}
	e.discovery = disc
	go advertiseLoop(ctx, disc, 10*time.Minute, e.logger)

	found := make(chan network_AddrInfo, 16)
	e.mdnsFound = found
	if _, err := startMDNS(e.host, namespace, found); err != nil {
		e.logger.Printf("mdns discovery unavailable: %v", err)
	}

	dhtPeers, err := disc.FindPeers(ctx)
	if err != nil {
		cancel()
		return err
	}

	go e.consumeDiscovered(ctx, found)
	go e.consumeDiscovered(ctx, dhtPeers)
	return nil
}

func (e *Engine) consumeDiscovered(ctx context.Context, peers <-chan network_AddrInfo) {
	for {
		select {
		case <-ctx.Done():
			return
		case pi, ok := <-peers:
			if !ok {
				return
			}
			if pi.ID == e.host.ID() {
				continue
			}
			if err := e.ConnectPeer(ctx, pi); err != nil {
				e.logger.Printf("connect to discovered peer %s failed: %v", pi.ID, err)
				continue
			}
			if err := e.SyncWith(ctx, pi.ID); err != nil {
				e.logger.Printf("sync with %s failed: %v", pi.ID, err)
			}
		}
	}
}

// Stop tears down discovery and closes the host.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.discovery != nil {
		_ = e.discovery.Close()
	}
	return e.host.Close()
}

// Peers lists currently tracked peer IDs.
func (e *Engine) Peers() []peer.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]peer.ID, 0, len(e.peers))
	for p := range e.peers {
		out = append(out, p)
	}
	return out
}

// LocalPeerID returns this host's libp2p identity.
func (e *Engine) LocalPeerID() peer.ID { return e.host.ID() }

// ConnectPeer dials a peer directly, used both for discovered peers and
// for a freshly redeemed PeerInvite.
func (e *Engine) ConnectPeer(ctx context.Context, pi peer.AddrInfo) error {
	if err := e.host.Connect(ctx, pi); err != nil {
		return pkgerrors.Wrap(pkgerrors.Transport, "connect to peer", err)
	}
	e.mu.Lock()
	e.peers[pi.ID] = struct{}{}
	e.mu.Unlock()
	return nil
}

// SyncWith opens a stream to an already-connected peer and runs one sync
// session over it.
func (e *Engine) SyncWith(ctx context.Context, p peer.ID) error {
	stream, err := e.host.NewStream(ctx, p, syncProtocolID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Transport, "open sync stream", err)
	}
	defer stream.Close()

	session := NewSession(e.localPeer, e.source, e.logger)
	return session.Run(&streamFrameIO{rw: stream})
}

// handleStream is invoked by libp2p for every inbound sync stream.
func (e *Engine) handleStream(stream network.Stream) {
	defer stream.Close()
	remote := stream.Conn().RemotePeer()
	if e.AllowPeer != nil && !e.AllowPeer(remote) {
		e.logger.Printf("rejecting sync stream from unpaired peer %s", remote)
		return
	}
	e.mu.Lock()
	e.peers[remote] = struct{}{}
	e.mu.Unlock()

	session := NewSession(e.localPeer, e.source, e.logger)
	if err := session.Run(&streamFrameIO{rw: stream}); err != nil {
		e.logger.Printf("inbound sync session with %s failed: %v", remote, err)
	}
}

// streamFrameIO implements frameIO over a raw libp2p network.Stream using
// a 4-byte big-endian length prefix followed by a JSON-encoded Message,
// the same length-prefixed-JSON framing the previous implementation's p2p.go used for its
// own messages (writeMessage/readMessage), adapted to frame the new
// Message type instead of the previous implementation's sync envelope.
type streamFrameIO struct {
	rw interface {
		Write([]byte) (int, error)
		Read([]byte) (int, error)
	}
	br *bufio.Reader
}

func (s *streamFrameIO) reader() *bufio.Reader {
	if s.br == nil {
		s.br = bufio.NewReader(s.rw)
	}
	return s.br
}

func (s *streamFrameIO) WriteMessage(msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "marshal sync message", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := s.rw.Write(lenPrefix[:]); err != nil {
		return pkgerrors.Wrap(pkgerrors.Transport, "write frame length", err)
	}
	if _, err := s.rw.Write(body); err != nil {
		return pkgerrors.Wrap(pkgerrors.Transport, "write frame body", err)
	}
	return nil
}

func (s *streamFrameIO) ReadMessage() (*Message, error) {
	br := s.reader()
	var lenPrefix [4]byte
	if _, err := readFull(br, lenPrefix[:]); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Transport, "read frame length", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameBytes {
		return nil, pkgerrors.New(pkgerrors.Transport, "frame exceeds maximum size")
	}
	body := make([]byte, n)
	if _, err := readFull(br, body); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Transport, "read frame body", err)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Validation, "unmarshal sync message", err)
	}
	return &msg, nil
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

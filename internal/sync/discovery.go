package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/libp2p/go-libp2p-kad-dht/dual"
	discoveryutil "github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	routing "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

// rendezvousPrefix namespaces PrivStack's DHT advertisements away from
// other libp2p applications sharing the same public DHT, replacing the
// previous implementation's single fixed rendezvous string (internal/sync/dht.go)
// with a namespace derived per pairing code, so unrelated PrivStack
// workspaces don't discover each other.
const rendezvousPrefix = "/privstack/sync/1/"

// RendezvousNamespace derives the DHT/mDNS advertisement key two peers
// who out-of-band exchanged the same sync code will independently
// compute, so they can find each other without either side learning the
// other's identity in advance.
func RendezvousNamespace(code string) string {
	sum := sha256.Sum256([]byte(code))
	return rendezvousPrefix + hex.EncodeToString(sum[:])
}

// mdnsNotifee forwards LAN-discovered peers to a channel the engine
// consumes, adapting go-libp2p's push-style mdns.Notifee callback to the
// engine's pull-style peer channel.
type mdnsNotifee struct {
	peerChan chan peer.AddrInfo
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	select {
	case n.peerChan <- pi:
	default:
	}
}

// startMDNS advertises and discovers peers on the local network segment
// under namespace, forwarding discoveries to found.
func startMDNS(h host.Host, namespace string, found chan peer.AddrInfo) (io_Closer, error) {
	svc := mdns.NewMdnsService(h, namespace, &mdnsNotifee{peerChan: found})
	if err := svc.Start(); err != nil {
		return nil, err
	}
	return svc, nil
}

// io_Closer avoids importing io just for this one method set; mdns's
// Service and the DHT both satisfy it.
type io_Closer interface {
	Close() error
}

// dhtDiscovery wraps a dual (LAN+WAN) Kademlia DHT used both for routing
// table maintenance and for peer discovery via provider records, mirroring
// the previous implementation's internal/sync/dht.go but keyed per sync code instead of
// one static namespace.
type dhtDiscovery struct {
	dht       *dual.DHT
	namespace string
}

// newDHTDiscovery bootstraps a DHT instance scoped to namespace.
func newDHTDiscovery(ctx context.Context, h host.Host, namespace string, bootstrapPeers []peer.AddrInfo) (*dhtDiscovery, error) {
	kad, err := dual.New(ctx, h)
	if err != nil {
		return nil, err
	}
	if err := kad.Bootstrap(ctx); err != nil {
		return nil, err
	}
	for _, pi := range bootstrapPeers {
		if err := h.Connect(ctx, pi); err != nil {
			continue
		}
	}
	return &dhtDiscovery{dht: kad, namespace: namespace}, nil
}

// Advertise announces this peer as a provider for the discovery namespace,
// refreshed by the caller on dht's own TTL.
func (d *dhtDiscovery) Advertise(ctx context.Context) error {
	rd := routing.NewRoutingDiscovery(d.dht)
	_, err := rd.Advertise(ctx, d.namespace)
	return err
}

// FindPeers returns a channel of peers currently advertising the same
// namespace, per discoveryutil.Discoverer's standard contract.
func (d *dhtDiscovery) FindPeers(ctx context.Context) (<-chan peer.AddrInfo, error) {
	rd := routing.NewRoutingDiscovery(d.dht)
	return rd.FindPeers(ctx, d.namespace, discoveryutil.Limit(32))
}

func (d *dhtDiscovery) Close() error {
	return d.dht.Close()
}

// advertiseLoop re-advertises on the DHT every interval until ctx is
// canceled, since provider records expire and must be refreshed.
func advertiseLoop(ctx context.Context, d *dhtDiscovery, interval time.Duration, logger Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := d.Advertise(ctx); err != nil {
			logger.Printf("dht advertise failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package engine

import (
	"context"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/privstack/core/internal/pkgerrors"
	synceng "github.com/privstack/core/internal/sync"
)

func libp2pPeerIDFromKey(priv libp2pcrypto.PrivKey) (peer.ID, error) {
	id, err := peer.IDFromPublicKey(priv.GetPublic())
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.Internal, "derive libp2p peer id", err)
	}
	return id, nil
}

// GenerateInvite produces a signed, shareable PeerInvite string plus its
// QR code rendering, advertising listenAddrs and a freshly generated sync
// code the recipient needs to derive the shared rendezvous namespace
// (spec.md §4.6's pairing flow). StartSync must already be running on
// listenAddrs for the invite to be reachable once redeemed.
func (h *Handle) GenerateInvite(listenAddrs []string, qrSize int) (inviteString string, qrPNG []byte, err error) {
	h.mu.Lock()
	priv, err := h.libp2pIdentity()
	h.mu.Unlock()
	if err != nil {
		return "", nil, err
	}

	selfID, err := libp2pPeerIDFromKey(priv)
	if err != nil {
		return "", nil, err
	}

	syncCode, err := synceng.GenerateSyncCode()
	if err != nil {
		return "", nil, err
	}

	inv, err := synceng.NewPeerInvite(priv, selfID, h.localPeer, listenAddrs, syncCode, now())
	if err != nil {
		return "", nil, err
	}

	inviteString, err = inv.Encode()
	if err != nil {
		return "", nil, err
	}
	qrPNG, err = inv.QRCode(qrSize)
	if err != nil {
		return "", nil, err
	}
	return inviteString, qrPNG, nil
}

// RedeemInvite verifies inviteString, trusts the inviting peer under
// label, and -- if the sync engine is running -- connects to it and
// starts a sync session immediately rather than waiting for the next
// discovery cycle.
func (h *Handle) RedeemInvite(inviteString, label string) error {
	inv, err := synceng.DecodeInvite(inviteString)
	if err != nil {
		return err
	}
	if err := inv.Verify(now()); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireUnlocked(); err != nil {
		return err
	}
	if h.syncTrust == nil {
		trust, err := synceng.OpenTrustStore(h.path + "/" + trustStoreFileName)
		if err != nil {
			return err
		}
		h.syncTrust = trust
	}
	if err := h.syncTrust.Trust(inv.LocalPeer, inv.PeerID.String(), label, now()); err != nil {
		return err
	}

	if h.syncEngine == nil {
		return nil
	}
	addrInfo, err := inv.AddrInfo()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.syncEngine.ConnectPeer(ctx, addrInfo); err != nil {
		return pkgerrors.Wrap(pkgerrors.Transport, "connect to invited peer", err)
	}
	return h.syncEngine.SyncWith(ctx, addrInfo.ID)
}

package sync

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/pkgerrors"
)

// invitePrefix marks a serialized PeerInvite, renamed from the previous
// implementation's own URI scheme (internal/sync/invite.go) to PrivStack's.
const invitePrefix = "privstack://"

// inviteTTL bounds how long a generated invite may be redeemed, since an
// unredeemed invite advertising a host's current listen addresses goes
// stale once the host roams networks.
const inviteTTL = 15 * time.Minute

// PeerInvite is the signed, shareable payload one peer hands another
// (via QR code, file, or any out-of-band channel) to bootstrap pairing:
// it carries the inviter's libp2p identity and address hints plus a sync
// code the recipient uses to derive the shared rendezvous namespace
// (see RendezvousNamespace).
type PeerInvite struct {
	PeerID    peer.ID   `json:"peer_id"`
	Addrs     []string  `json:"addrs"`
	LocalPeer ids.PeerId `json:"local_peer"`
	SyncCode  string    `json:"sync_code"`
	IssuedAt  int64     `json:"issued_at"`
	ExpiresAt int64     `json:"expires_at"`
	Signature []byte    `json:"signature"`
}

// signingBytes returns the canonical bytes PeerInvite's signature covers
// (everything except the signature field itself).
func (inv *PeerInvite) signingBytes() ([]byte, error) {
	unsigned := *inv
	unsigned.Signature = nil
	return json.Marshal(unsigned)
}

// GenerateSyncCode returns a short, human-shareable code two peers can
// exchange verbally or over a side channel to derive a common rendezvous
// namespace without either learning the other's libp2p identity up
// front. Adapted from the previous implementation's invite flow, which embedded only a
// bare peer ID with no separate discovery secret.
func GenerateSyncCode() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.Internal, "generate sync code", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

// NewPeerInvite builds and signs an invite using the host's private key.
func NewPeerInvite(priv libp2pcrypto.PrivKey, selfID peer.ID, localPeer ids.PeerId, addrs []string, syncCode string, now time.Time) (*PeerInvite, error) {
	inv := &PeerInvite{
		PeerID:    selfID,
		Addrs:     addrs,
		LocalPeer: localPeer,
		SyncCode:  syncCode,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(inviteTTL).Unix(),
	}
	toSign, err := inv.signingBytes()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "marshal invite for signing", err)
	}
	sig, err := priv.Sign(toSign)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "sign invite", err)
	}
	inv.Signature = sig
	return inv, nil
}

// Verify checks the invite's signature against the claimed peer ID's
// public key and that it has not expired as of now.
func (inv *PeerInvite) Verify(now time.Time) error {
	if now.Unix() > inv.ExpiresAt {
		return pkgerrors.New(pkgerrors.Validation, "invite expired")
	}
	pub, err := inv.PeerID.ExtractPublicKey()
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Validation, "invite peer id has no embeddable public key", err)
	}
	toVerify, err := inv.signingBytes()
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "marshal invite for verification", err)
	}
	ok, err := pub.Verify(toVerify, inv.Signature)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Validation, "verify invite signature", err)
	}
	if !ok {
		return pkgerrors.New(pkgerrors.Validation, "invalid invite signature")
	}
	return nil
}

// Encode serializes the invite into its shareable privstack:// string
// form.
func (inv *PeerInvite) Encode() (string, error) {
	raw, err := json.Marshal(inv)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.Internal, "marshal invite", err)
	}
	return invitePrefix + base64.URLEncoding.EncodeToString(raw), nil
}

// DecodeInvite parses a string produced by Encode.
func DecodeInvite(s string) (*PeerInvite, error) {
	if len(s) < len(invitePrefix) || s[:len(invitePrefix)] != invitePrefix {
		return nil, pkgerrors.New(pkgerrors.Validation, "not a privstack invite string")
	}
	raw, err := base64.URLEncoding.DecodeString(s[len(invitePrefix):])
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Validation, "decode invite payload", err)
	}
	var inv PeerInvite
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Validation, "unmarshal invite payload", err)
	}
	return &inv, nil
}

// QRCode renders the invite as a PNG QR code at the given pixel size,
// for display in a pairing UI or terminal.
func (inv *PeerInvite) QRCode(size int) ([]byte, error) {
	encoded, err := inv.Encode()
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(encoded, qrcode.Medium, size)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "render invite qr code", err)
	}
	return png, nil
}

// AddrInfo builds the peer.AddrInfo libp2p needs to dial the inviter.
func (inv *PeerInvite) AddrInfo() (peer.AddrInfo, error) {
	maddrs, err := parseMultiaddrs(inv.Addrs)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("parse invite addrs: %w", err)
	}
	return peer.AddrInfo{ID: inv.PeerID, Addrs: maddrs}, nil
}

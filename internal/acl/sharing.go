package acl

import (
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/privstack/core/internal/crypto"
	"github.com/privstack/core/internal/ids"
	"github.com/privstack/core/internal/pkgerrors"
)

// KeyPair is a peer's X25519 identity for key-wrapping grants made to it.
// Adapted from the previous implementation's sharing.KeyPair (internal/sharing/sharing.go
//), generalized to wrap internal/crypto.Key entity keys instead
// of the previous implementation's entry keys, and ported off its dependency on the
// superseded pkg/crypto package.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair creates a new X25519 key pair for one peer.
func GenerateKeyPair() (*KeyPair, error) {
	var private, public [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Internal, "generate x25519 private key", err)
	}
	private[0] &= 248
	private[31] &= 127
	private[31] |= 64
	curve25519.ScalarBaseMult(&public, &private)
	return &KeyPair{Private: private, Public: public}, nil
}

const shareKeyHKDFInfo = "PrivStack-ACL-Share-v1"

// WrapEntityKeyForPeer encrypts entityKey so only the holder of
// peerPrivate's counterpart -- identified by peerPublic -- can recover it,
// using an X25519 Diffie-Hellman shared secret as the HKDF input key
// material. entityID binds the wrapped ciphertext to the entity it
// belongs to, the same binding internal/crypto.EntityAAD uses elsewhere.
func WrapEntityKeyForPeer(entityKey crypto.Key, entityID ids.EntityId, myPrivate [32]byte, peerPublic [32]byte) ([]byte, error) {
	var shared [32]byte
	curve25519.ScalarMult(&shared, &myPrivate, &peerPublic)
	defer zero32(&shared)

	wrapKey, err := deriveWrapKey(shared, entityID)
	if err != nil {
		return nil, err
	}
	defer wrapKey.Zero()

	return crypto.Encrypt(wrapKey, entityKey[:], []byte(entityID.String()))
}

// UnwrapEntityKeyFromPeer reverses WrapEntityKeyForPeer using the
// recipient's own private key and the sender's public key.
func UnwrapEntityKeyFromPeer(wrapped []byte, entityID ids.EntityId, myPrivate [32]byte, senderPublic [32]byte) (crypto.Key, error) {
	var shared [32]byte
	curve25519.ScalarMult(&shared, &myPrivate, &senderPublic)
	defer zero32(&shared)

	wrapKey, err := deriveWrapKey(shared, entityID)
	if err != nil {
		return crypto.Key{}, err
	}
	defer wrapKey.Zero()

	plaintext, err := crypto.Decrypt(wrapKey, wrapped, []byte(entityID.String()))
	if err != nil {
		return crypto.Key{}, err
	}
	var key crypto.Key
	copy(key[:], plaintext)
	return key, nil
}

func deriveWrapKey(shared [32]byte, entityID ids.EntityId) (crypto.Key, error) {
	raw := entityID.UUID()
	h := hkdf.New(sha256.New, shared[:], raw[:], []byte(shareKeyHKDFInfo))
	var key crypto.Key
	if _, err := h.Read(key[:]); err != nil {
		return crypto.Key{}, pkgerrors.Wrap(pkgerrors.Internal, "derive wrap key", err)
	}
	return key, nil
}

func zero32(b *[32]byte) {
	for i := range b {
		b[i] = 0
	}
}

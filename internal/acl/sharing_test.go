package acl

import (
	"testing"

	"github.com/privstack/core/internal/crypto"
	"github.com/privstack/core/internal/ids"
)

func TestWrapUnwrapEntityKeyRoundTrip(t *testing.T) {
	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate alice keypair: %v", err)
	}
	bob, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate bob keypair: %v", err)
	}

	entity, _ := ids.NewEntityId()
	entityKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate entity key: %v", err)
	}

	wrapped, err := WrapEntityKeyForPeer(entityKey, entity, alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	recovered, err := UnwrapEntityKeyFromPeer(wrapped, entity, bob.Private, alice.Public)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if recovered != entityKey {
		t.Errorf("recovered key does not match original")
	}
}

func TestUnwrapFailsForWrongRecipient(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	mallory, _ := GenerateKeyPair()

	entity, _ := ids.NewEntityId()
	entityKey, _ := crypto.GenerateKey()

	wrapped, err := WrapEntityKeyForPeer(entityKey, entity, alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	if _, err := UnwrapEntityKeyFromPeer(wrapped, entity, mallory.Private, alice.Public); err == nil {
		t.Error("expected unwrap with the wrong private key to fail")
	}
}

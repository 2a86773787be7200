package crypto

import (
	"bytes"
	"testing"

	"github.com/privstack/core/internal/pkgerrors"
)

func errIsBadPassword(err error) bool {
	return pkgerrors.Is(err, pkgerrors.BadPassword)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	plaintext := []byte("hello, workspace")
	aad := EntityAAD("note", "n1")

	ciphertext, err := Encrypt(key, plaintext, aad)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(ciphertext) <= len(plaintext) {
		t.Error("ciphertext too short")
	}

	decrypted, err := Decrypt(key, ciphertext, aad)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Error("decrypted content mismatch")
	}
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	key, _ := GenerateKey()
	aad := EntityAAD("note", "n1")
	ciphertext, _ := Encrypt(key, []byte("payload"), aad)

	ciphertext[len(ciphertext)-1] ^= 0xFF
	if _, err := Decrypt(key, ciphertext, aad); err == nil {
		t.Error("expected decryption to fail for tampered ciphertext")
	}
}

func TestDecryptFailsOnWrongAAD(t *testing.T) {
	key, _ := GenerateKey()
	ciphertext, _ := Encrypt(key, []byte("payload"), EntityAAD("note", "n1"))

	if _, err := Decrypt(key, ciphertext, EntityAAD("note", "n2")); err == nil {
		t.Error("expected decryption to fail for mismatched AAD")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	password := []byte("correct horse battery")
	salt, _ := GenerateSalt()

	if DeriveKey(password, salt) != DeriveKey(password, salt) {
		t.Error("key derivation should be deterministic for the same password and salt")
	}

	salt2, _ := GenerateSalt()
	if DeriveKey(password, salt) == DeriveKey(password, salt2) {
		t.Error("different salts should produce different keys")
	}
}

func TestFileEnvelopeRoundTrip(t *testing.T) {
	key, err := DeriveFileSyncKey([]byte("p@ssw0rd"), "workspace-1")
	if err != nil {
		t.Fatalf("derive file sync key: %v", err)
	}

	envelope, err := EncryptFileEnvelope(key, []byte("event bytes"))
	if err != nil {
		t.Fatalf("encrypt envelope: %v", err)
	}

	plaintext, err := DecryptFileEnvelope(key, envelope)
	if err != nil {
		t.Fatalf("decrypt envelope: %v", err)
	}
	if string(plaintext) != "event bytes" {
		t.Errorf("got %q", plaintext)
	}
}

func TestKeyStoreInitializeAndUnlock(t *testing.T) {
	dir := t.TempDir()
	store := NewFileKeyStore(dir)

	if store.IsInitialized() {
		t.Fatal("should not be initialized before Initialize")
	}
	if err := store.Initialize([]byte("secret")); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !store.IsInitialized() {
		t.Fatal("should be initialized after Initialize")
	}

	key, err := store.Unlock([]byte("secret"))
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}

	if _, err := store.Unlock([]byte("wrong")); !errIsBadPassword(err) {
		t.Errorf("expected BadPassword for wrong password, got %v", err)
	}

	reopened := NewFileKeyStore(dir)
	key2, err := reopened.Unlock([]byte("secret"))
	if err != nil {
		t.Fatalf("re-unlock: %v", err)
	}
	if key != key2 {
		t.Error("keys should match across store instances")
	}
}

func TestEntityKeyWrapRoundTrip(t *testing.T) {
	master, _ := GenerateKey()
	entityKey, _ := GenerateKey()

	wrapped, err := WrapEntityKey(master, entityKey)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	unwrapped, err := UnwrapEntityKey(master, wrapped)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if unwrapped != entityKey {
		t.Error("unwrapped key does not match original")
	}
}

package crypto

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/privstack/core/internal/pkgerrors"
)

const KeyFileName = "keys.json"

// KeyStore manages a workspace's master key lifecycle: derive-on-unlock,
// zeroize-on-lock. Adapted from the previous implementation's FileKeyStore
// (internal/crypto/store.go), which wrapped the master key
// under a password-derived wrapper key the same way.
type KeyStore interface {
	Initialize(password []byte) error
	Unlock(password []byte) (Key, error)
	IsInitialized() bool
}

// FileKeyStore implements KeyStore using a JSON file on disk.
type FileKeyStore struct {
	dir string
	mu  sync.RWMutex
}

type keyFileStruct struct {
	Salt       string `json:"salt"`
	Ciphertext string `json:"data"`
}

// NewFileKeyStore returns a store backed by <dir>/keys.json.
func NewFileKeyStore(dir string) *FileKeyStore {
	return &FileKeyStore{dir: dir}
}

func (s *FileKeyStore) Initialize(password []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isInitialized() {
		return pkgerrors.New(pkgerrors.Internal, "keystore already initialized")
	}

	masterKey, err := GenerateKey()
	if err != nil {
		return err
	}
	defer masterKey.Zero()

	salt, err := GenerateSalt()
	if err != nil {
		return err
	}

	wrapperKey := DeriveKey(password, salt)
	defer wrapperKey.Zero()

	aad := []byte(filepath.Base(s.dir))
	encryptedKey, err := Encrypt(wrapperKey, masterKey[:], aad)
	if err != nil {
		return err
	}

	kf := keyFileStruct{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Ciphertext: base64.StdEncoding.EncodeToString(encryptedKey),
	}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "marshal key file", err)
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return pkgerrors.Wrap(pkgerrors.Internal, "create workspace dir", err)
	}

	return os.WriteFile(filepath.Join(s.dir, KeyFileName), data, 0600)
}

func (s *FileKeyStore) Unlock(password []byte) (Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var k Key

	data, err := os.ReadFile(filepath.Join(s.dir, KeyFileName))
	if err != nil {
		return k, pkgerrors.Wrap(pkgerrors.Corruption, "read key file", err)
	}

	var kf keyFileStruct
	if err := json.Unmarshal(data, &kf); err != nil {
		return k, pkgerrors.Wrap(pkgerrors.Corruption, "parse key file", err)
	}

	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return k, pkgerrors.Wrap(pkgerrors.Corruption, "decode salt", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(kf.Ciphertext)
	if err != nil {
		return k, pkgerrors.Wrap(pkgerrors.Corruption, "decode ciphertext", err)
	}

	wrapperKey := DeriveKey(password, salt)
	defer wrapperKey.Zero()

	aad := []byte(filepath.Base(s.dir))
	plaintext, err := Decrypt(wrapperKey, ciphertext, aad)
	if err != nil {
		return k, pkgerrors.New(pkgerrors.BadPassword, "incorrect password or corrupted key file")
	}

	if len(plaintext) != KeySize {
		return k, pkgerrors.New(pkgerrors.Corruption, "unwrapped key has unexpected length")
	}

	copy(k[:], plaintext)
	return k, nil
}

func (s *FileKeyStore) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isInitialized()
}

func (s *FileKeyStore) isInitialized() bool {
	_, err := os.Stat(filepath.Join(s.dir, KeyFileName))
	return err == nil
}

// WrapEntityKey wraps a freshly generated per-entity key under master,
// per spec.md §3's per-entity key lifecycle: random on creation, stored
// wrapped alongside the entity row, unwrapped ephemerally on every read.
func WrapEntityKey(master Key, entityKey Key) ([]byte, error) {
	return Encrypt(master, entityKey[:], []byte("entity-key-wrap-v1"))
}

// UnwrapEntityKey reverses WrapEntityKey.
func UnwrapEntityKey(master Key, wrapped []byte) (Key, error) {
	var k Key
	plaintext, err := Decrypt(master, wrapped, []byte("entity-key-wrap-v1"))
	if err != nil {
		return k, err
	}
	if len(plaintext) != KeySize {
		return k, pkgerrors.New(pkgerrors.Corruption, "unwrapped entity key has unexpected length")
	}
	copy(k[:], plaintext)
	return k, nil
}

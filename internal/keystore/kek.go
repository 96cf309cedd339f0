package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"

	"vaultd/internal/security"
)

// MachineKEK derives per-purpose key-encryption keys from a random seed
// persisted on first use. Keys wrapped by the KEK are bound to this
// installation: the seed file can be copied, which is exactly why
// schemes built on it rank below hardware-backed ones.
type MachineKEK struct {
	mu       sync.Mutex
	seedPath string
	seed     []byte
}

const (
	kekSeedName = "kek.seed"
	kekSeedSize = 32
	kekSalt     = "vaultd-machine-kek-v1"
)

var errKEKSeedCorrupt = errors.New("keystore: kek seed corrupt")

// NewMachineKEK creates a KEK rooted in keyDir, loading the seed if it
// exists and creating it otherwise.
func NewMachineKEK(keyDir string) (*MachineKEK, error) {
	k := &MachineKEK{seedPath: filepath.Join(keyDir, kekSeedName)}
	if err := k.loadOrCreateSeed(keyDir); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *MachineKEK) loadOrCreateSeed(keyDir string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := security.EnsureSecureDir(keyDir); err != nil {
		return fmt.Errorf("prepare key directory: %w", err)
	}

	data, err := os.ReadFile(k.seedPath)
	if err == nil {
		if len(data) != kekSeedSize {
			return errKEKSeedCorrupt
		}
		k.seed = data
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("read kek seed: %w", err)
	}

	seed := make([]byte, kekSeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return fmt.Errorf("generate kek seed: %w", err)
	}
	if err := security.WriteSecretFile(k.seedPath, seed); err != nil {
		return fmt.Errorf("persist kek seed: %w", err)
	}
	k.seed = seed
	return nil
}

// derive produces a 32-byte key bound to the given purpose label.
func (k *MachineKEK) derive(label string) ([]byte, error) {
	k.mu.Lock()
	seed := k.seed
	k.mu.Unlock()

	key := make([]byte, 32)
	r := hkdf.New(sha256.New, seed, []byte(kekSalt), []byte(label))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive kek: %w", err)
	}
	return key, nil
}

// Wrap encrypts secret material under the purpose-specific KEK. Output
// is nonce || GCM ciphertext.
func (k *MachineKEK) Wrap(label string, secret []byte) ([]byte, error) {
	key, err := k.derive(label)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, secret, []byte(label)), nil
}

// Unwrap reverses Wrap.
func (k *MachineKEK) Unwrap(label string, wrapped []byte) ([]byte, error) {
	key, err := k.derive(label)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, ErrMalformedCiphertext
	}

	secret, err := gcm.Open(nil, wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():], []byte(label))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return secret, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}

package keystore

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"vaultd/internal/logging"
	"vaultd/internal/security"
)

// SchemeFallbackAES identifies the symmetric fallback scheme.
const SchemeFallbackAES = "fallback-aes"

// FallbackManager encrypts with a per-alias AES-256-GCM key wrapped by
// the machine KEK. It is the last resort for devices where neither the
// hardware nor the software RSA scheme passes its probe: data is still
// encrypted at rest, but the key carries no user-auth binding, so
// decrypt sessions need only a presence grant.
type FallbackManager struct {
	keyDir string
	kek    *MachineKEK
	state  *aliasState
	logger *slog.Logger
}

var _ Manager = (*FallbackManager)(nil)

// NewFallbackManager creates a fallback manager storing keys in keyDir.
func NewFallbackManager(keyDir string, kek *MachineKEK) *FallbackManager {
	return &FallbackManager{
		keyDir: keyDir,
		kek:    kek,
		state:  newAliasState(),
		logger: logging.Default().WithComponent("keystore").With("scheme", SchemeFallbackAES),
	}
}

func (m *FallbackManager) Scheme() string { return SchemeFallbackAES }

func (m *FallbackManager) Metadata() Metadata {
	return Metadata{
		"key_algorithm":   "AES",
		"key_bits":        256,
		"cipher":          "AES-256-GCM",
		"hardware_backed": false,
	}
}

func (m *FallbackManager) Close() error { return nil }

func (m *FallbackManager) Available(ctx context.Context) error {
	if err := security.EnsureSecureDir(m.keyDir); err != nil {
		return fmt.Errorf("key directory unusable: %w", err)
	}
	return nil
}

func (m *FallbackManager) GenerateKeyPair(ctx context.Context, alias string, overwrite bool) error {
	lock := m.state.lock(alias)
	lock.Lock()
	defer lock.Unlock()

	path := m.keyPath(alias)
	if _, err := os.Stat(path); err == nil {
		if !overwrite {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return &DelegateError{Op: "generate", Alias: alias, Err: err}
		}
	}

	key := make([]byte, envelopeKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return &DelegateError{Op: "generate", Alias: alias, Err: err}
	}
	defer security.Wipe(key)

	wrapped, err := m.kek.Wrap(m.wrapLabel(alias), key)
	if err != nil {
		return &DelegateError{Op: "generate", Alias: alias, Err: err}
	}
	if err := security.WriteSecretFile(path, wrapped); err != nil {
		return &DelegateError{Op: "generate", Alias: alias, Err: err}
	}

	m.logger.Info("fallback key generated", "alias", logging.Digest(alias), "overwrite", overwrite)
	return nil
}

func (m *FallbackManager) HasKey(ctx context.Context, alias string) (bool, error) {
	_, err := os.Stat(m.keyPath(alias))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &DelegateError{Op: "has-key", Alias: alias, Err: err}
}

func (m *FallbackManager) Encrypt(ctx context.Context, alias string, plaintext []byte) ([]byte, error) {
	lock := m.state.lock(alias)
	lock.Lock()
	defer lock.Unlock()

	key, err := m.loadKey(alias)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, &DelegateError{Op: "encrypt", Alias: alias, Err: err}
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, &DelegateError{Op: "encrypt", Alias: alias, Err: err}
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (m *FallbackManager) BeginDecrypt(ctx context.Context, alias string, ciphertext []byte) (*DecryptSession, error) {
	lock := m.state.lock(alias)
	lock.Lock()
	defer lock.Unlock()

	key, err := m.loadKey(alias)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		security.Wipe(key)
		return nil, &DelegateError{Op: "decrypt", Alias: alias, Err: err}
	}
	if len(ciphertext) < gcm.NonceSize() {
		security.Wipe(key)
		return nil, ErrMalformedCiphertext
	}

	return &DecryptSession{
		alias: alias,
		// The session holds the unwrapped key until Close; a session
		// abandoned without decrypting must still wipe it.
		cleanup: func() { security.Wipe(key) },
		run: func() ([]byte, error) {
			lock.Lock()
			defer lock.Unlock()
			pt, err := gcm.Open(nil, ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():], nil)
			if err != nil {
				return nil, ErrDecryptionFailed
			}
			return pt, nil
		},
	}, nil
}

func (m *FallbackManager) DeleteKey(ctx context.Context, alias string) error {
	lock := m.state.lock(alias)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(m.keyPath(alias)); err != nil && !os.IsNotExist(err) {
		return &DelegateError{Op: "delete", Alias: alias, Err: err}
	}
	m.state.reset(alias)
	m.logger.Info("fallback key deleted", "alias", logging.Digest(alias))
	return nil
}

func (m *FallbackManager) loadKey(alias string) ([]byte, error) {
	wrapped, err := os.ReadFile(m.keyPath(alias))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, &DelegateError{Op: "load", Alias: alias, Err: err}
	}
	key, err := m.kek.Unwrap(m.wrapLabel(alias), wrapped)
	if err != nil {
		return nil, &DelegateError{Op: "load", Alias: alias, Err: err}
	}
	return key, nil
}

func (m *FallbackManager) keyPath(alias string) string {
	return filepath.Join(m.keyDir, aliasFileName(alias)+".aes.key")
}

func (m *FallbackManager) wrapLabel(alias string) string {
	return "fallback-aes/" + alias
}

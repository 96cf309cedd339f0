package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"vaultd/internal/logging"
	"vaultd/internal/security"
)

// SchemeSoftwareHybridRSA identifies the software RSA envelope scheme.
const SchemeSoftwareHybridRSA = "software-hybrid-rsa"

const softwareKeyBits = 2048

// SoftwareManager keeps RSA private keys on disk, wrapped by the
// machine KEK. It mirrors the hybrid envelope of the hardware scheme so
// ciphertext layout is identical; only the key protection differs.
type SoftwareManager struct {
	keyDir string
	kek    *MachineKEK
	state  *aliasState
	logger *slog.Logger
}

var _ Manager = (*SoftwareManager)(nil)

// NewSoftwareManager creates a software manager storing keys in keyDir.
func NewSoftwareManager(keyDir string, kek *MachineKEK) *SoftwareManager {
	return &SoftwareManager{
		keyDir: keyDir,
		kek:    kek,
		state:  newAliasState(),
		logger: logging.Default().WithComponent("keystore").With("scheme", SchemeSoftwareHybridRSA),
	}
}

func (m *SoftwareManager) Scheme() string { return SchemeSoftwareHybridRSA }

func (m *SoftwareManager) Metadata() Metadata {
	return Metadata{
		"key_algorithm":   "RSA",
		"key_bits":        softwareKeyBits,
		"cipher":          "AES-256-CBC",
		"mac":             "HMAC-SHA256",
		"header_wrap":     "RSA-OAEP-SHA256",
		"hardware_backed": false,
	}
}

func (m *SoftwareManager) Close() error { return nil }

// Available verifies the key directory is usable and the envelope
// round-trips with a throwaway key.
func (m *SoftwareManager) Available(ctx context.Context) error {
	if err := security.EnsureSecureDir(m.keyDir); err != nil {
		return fmt.Errorf("key directory unusable: %w", err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, softwareKeyBits)
	if err != nil {
		return fmt.Errorf("rsa generation unavailable: %w", err)
	}
	return selfTest(priv)
}

func (m *SoftwareManager) GenerateKeyPair(ctx context.Context, alias string, overwrite bool) error {
	lock := m.state.lock(alias)
	lock.Lock()
	defer lock.Unlock()

	path := m.keyPath(alias)
	if _, err := os.Stat(path); err == nil {
		if !overwrite {
			// Existing key stays usable; generation is idempotent.
			return nil
		}
		if err := os.Remove(path); err != nil {
			return &DelegateError{Op: "generate", Alias: alias, Err: err}
		}
		m.state.reset(alias)
	}

	priv, err := rsa.GenerateKey(rand.Reader, softwareKeyBits)
	if err != nil {
		return &DelegateError{Op: "generate", Alias: alias, Err: err}
	}

	der := x509.MarshalPKCS1PrivateKey(priv)
	defer security.Wipe(der)
	wrapped, err := m.kek.Wrap(m.wrapLabel(alias), der)
	if err != nil {
		return &DelegateError{Op: "generate", Alias: alias, Err: err}
	}
	if err := security.WriteSecretFile(path, wrapped); err != nil {
		return &DelegateError{Op: "generate", Alias: alias, Err: err}
	}

	if err := selfTest(priv); err != nil {
		os.Remove(path)
		m.logger.Error("generated key failed verification", "alias", logging.Digest(alias))
		return &DelegateError{Op: "generate", Alias: alias, Err: ErrVerifyFailed}
	}

	// A fresh key demands a fresh user authentication.
	m.state.reset(alias)
	m.logger.Info("key pair generated", "alias", logging.Digest(alias), "overwrite", overwrite)
	return nil
}

func (m *SoftwareManager) HasKey(ctx context.Context, alias string) (bool, error) {
	_, err := os.Stat(m.keyPath(alias))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &DelegateError{Op: "has-key", Alias: alias, Err: err}
}

func (m *SoftwareManager) Encrypt(ctx context.Context, alias string, plaintext []byte) ([]byte, error) {
	lock := m.state.lock(alias)
	lock.Lock()
	defer lock.Unlock()

	priv, err := m.loadKey(alias)
	if err != nil {
		return nil, err
	}
	ct, err := sealEnvelope(&priv.PublicKey, plaintext)
	if err != nil {
		return nil, &DelegateError{Op: "encrypt", Alias: alias, Err: err}
	}
	return ct, nil
}

func (m *SoftwareManager) BeginDecrypt(ctx context.Context, alias string, ciphertext []byte) (*DecryptSession, error) {
	lock := m.state.lock(alias)
	lock.Lock()
	defer lock.Unlock()

	priv, err := m.loadKey(alias)
	if err != nil {
		return nil, err
	}
	keySize := priv.Size()
	if len(ciphertext) < keySize {
		return nil, ErrMalformedCiphertext
	}

	return &DecryptSession{
		alias:         alias,
		requireUnlock: true,
		unlocked:      func() bool { return m.state.isUnlocked(alias) },
		markUnlocked:  func() { m.state.markUnlocked(alias) },
		run: func() ([]byte, error) {
			lock.Lock()
			defer lock.Unlock()
			return openEnvelope(keySize, func(wrapped []byte) ([]byte, error) {
				return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
			}, ciphertext)
		},
	}, nil
}

func (m *SoftwareManager) DeleteKey(ctx context.Context, alias string) error {
	lock := m.state.lock(alias)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(m.keyPath(alias)); err != nil && !os.IsNotExist(err) {
		return &DelegateError{Op: "delete", Alias: alias, Err: err}
	}
	m.state.reset(alias)
	m.logger.Info("key pair deleted", "alias", logging.Digest(alias))
	return nil
}

func (m *SoftwareManager) loadKey(alias string) (*rsa.PrivateKey, error) {
	wrapped, err := os.ReadFile(m.keyPath(alias))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, &DelegateError{Op: "load", Alias: alias, Err: err}
	}

	der, err := m.kek.Unwrap(m.wrapLabel(alias), wrapped)
	if err != nil {
		return nil, &DelegateError{Op: "load", Alias: alias, Err: err}
	}
	defer security.Wipe(der)

	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, &DelegateError{Op: "load", Alias: alias, Err: err}
	}
	return priv, nil
}

func (m *SoftwareManager) keyPath(alias string) string {
	return filepath.Join(m.keyDir, aliasFileName(alias)+".rsa.key")
}

func (m *SoftwareManager) wrapLabel(alias string) string {
	return "software-hybrid-rsa/" + alias
}

// aliasFileName maps an arbitrary alias to a fixed-width file name so
// aliases can never escape the key directory.
func aliasFileName(alias string) string {
	sum := sha256.Sum256([]byte(alias))
	return hex.EncodeToString(sum[:16])
}

// selfTest proves a key pair round-trips through the envelope.
func selfTest(priv *rsa.PrivateKey) error {
	probe := []byte("vaultd key verification probe")
	ct, err := sealEnvelope(&priv.PublicKey, probe)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	pt, err := openEnvelope(priv.Size(), func(wrapped []byte) ([]byte, error) {
		return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	}, ct)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	if string(pt) != string(probe) {
		return ErrVerifyFailed
	}
	return nil
}

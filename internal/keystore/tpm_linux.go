//go:build linux

// TPM 2.0 backed key manager for Linux.
// Uses /dev/tpmrm0 (TPM Resource Manager) or /dev/tpm0 (direct access).
//
// The RSA private key is created inside the TPM under a deterministic
// ECC storage primary and never leaves it: only the TPM-wrapped
// public/private blobs are persisted. Decryption unwraps the envelope
// header with RSA_Decrypt executed by the device.

package keystore

import (
	"context"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"vaultd/internal/logging"
	"vaultd/internal/security"
)

// SchemeTPMHybridRSA identifies the hardware-backed RSA envelope scheme.
const SchemeTPMHybridRSA = "tpm-hybrid-rsa"

// TPM device paths in order of preference.
var tpmDevicePaths = []string{
	"/dev/tpmrm0", // TPM Resource Manager (preferred)
	"/dev/tpm0",   // Direct TPM access (fallback)
}

var (
	errTPMNotAvailable = errors.New("keystore: no usable TPM 2.0 device")
	errTPMKeyCorrupt   = errors.New("keystore: stored key blob corrupt")
)

// TPMManager implements Manager on a TPM 2.0 device.
type TPMManager struct {
	mu         sync.Mutex
	devicePath string
	transport  transport.TPMCloser
	keyDir     string
	state      *aliasState
	logger     *slog.Logger
}

var _ Manager = (*TPMManager)(nil)

// NewTPMManager creates a TPM manager storing wrapped key blobs in
// keyDir. devicePath overrides autodetection when non-empty.
func NewTPMManager(keyDir, devicePath string) (*TPMManager, error) {
	if devicePath == "" {
		devicePath = detectTPMDevice()
	}
	if devicePath == "" {
		return nil, errTPMNotAvailable
	}
	return &TPMManager{
		devicePath: devicePath,
		keyDir:     keyDir,
		state:      newAliasState(),
		logger:     logging.Default().WithComponent("keystore").With("scheme", SchemeTPMHybridRSA),
	}, nil
}

// detectTPMDevice returns the first openable TPM device path.
func detectTPMDevice() string {
	for _, path := range tpmDevicePaths {
		if _, err := os.Stat(path); err == nil {
			f, err := os.OpenFile(path, os.O_RDWR, 0)
			if err == nil {
				f.Close()
				return path
			}
		}
	}
	return ""
}

func (m *TPMManager) Scheme() string { return SchemeTPMHybridRSA }

func (m *TPMManager) Metadata() Metadata {
	return Metadata{
		"key_algorithm":   "RSA",
		"key_bits":        2048,
		"cipher":          "AES-256-CBC",
		"mac":             "HMAC-SHA256",
		"header_wrap":     "RSA-OAEP-SHA256",
		"hardware_backed": true,
		"device":          m.devicePath,
	}
}

// Available opens the device and proves a storage primary can be
// created.
func (m *TPMManager) Available(ctx context.Context) error {
	if err := security.EnsureSecureDir(m.keyDir); err != nil {
		return fmt.Errorf("key directory unusable: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return err
	}

	srk, err := m.createPrimary()
	if err != nil {
		return fmt.Errorf("tpm primary creation failed: %w", err)
	}
	m.flush(srk)
	return nil
}

func (m *TPMManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport != nil {
		err := m.transport.Close()
		m.transport = nil
		return err
	}
	return nil
}

func (m *TPMManager) GenerateKeyPair(ctx context.Context, alias string, overwrite bool) error {
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
		m.state.reset(alias)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return &DelegateError{Op: "generate", Alias: alias, Err: err}
	}

	srk, err := m.createPrimary()
	if err != nil {
		return &DelegateError{Op: "generate", Alias: alias, Err: err}
	}
	defer m.flush(srk)

	createCmd := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: srk,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgRSA,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:            true,
				FixedParent:         true,
				SensitiveDataOrigin: true,
				UserWithAuth:        true,
				Decrypt:             true,
			},
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgRSA,
				&tpm2.TPMSRSAParms{
					Scheme: tpm2.TPMTRSAScheme{
						Scheme: tpm2.TPMAlgNull,
					},
					KeyBits: 2048,
				},
			),
		}),
	}

	createRsp, err := createCmd.Execute(m.transport)
	if err != nil {
		return &DelegateError{Op: "generate", Alias: alias, Err: fmt.Errorf("tpm Create failed: %w", err)}
	}

	if err := verifyKeyAttributes(&createRsp.OutPublic); err != nil {
		return &DelegateError{Op: "generate", Alias: alias, Err: err}
	}

	pubBytes := tpm2.Marshal(createRsp.OutPublic)
	privBytes := tpm2.Marshal(createRsp.OutPrivate)

	blob := encodeKeyBlob(pubBytes, privBytes)
	if err := security.WriteSecretFile(path, blob); err != nil {
		return &DelegateError{Op: "generate", Alias: alias, Err: err}
	}

	// Prove the stored blob loads and round-trips before reporting
	// success; a key that cannot decrypt is worse than none.
	if err := m.selfTestLocked(srk, pubBytes, privBytes); err != nil {
		os.Remove(path)
		m.logger.Error("generated key failed verification", "alias", logging.Digest(alias), "error", err)
		return &DelegateError{Op: "generate", Alias: alias, Err: ErrVerifyFailed}
	}

	m.state.reset(alias)
	m.logger.Info("tpm key pair generated", "alias", logging.Digest(alias), "overwrite", overwrite)
	return nil
}

func (m *TPMManager) HasKey(ctx context.Context, alias string) (bool, error) {
	_, err := os.Stat(m.keyPath(alias))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &DelegateError{Op: "has-key", Alias: alias, Err: err}
}

// Encrypt runs entirely in software: only the public half is needed.
func (m *TPMManager) Encrypt(ctx context.Context, alias string, plaintext []byte) ([]byte, error) {
	pubBytes, _, err := m.loadKeyBlob(alias)
	if err != nil {
		return nil, err
	}
	pub, err := rsaPublicFromBlob(pubBytes)
	if err != nil {
		return nil, &DelegateError{Op: "encrypt", Alias: alias, Err: err}
	}
	ct, err := sealEnvelope(pub, plaintext)
	if err != nil {
		return nil, &DelegateError{Op: "encrypt", Alias: alias, Err: err}
	}
	return ct, nil
}

func (m *TPMManager) BeginDecrypt(ctx context.Context, alias string, ciphertext []byte) (*DecryptSession, error) {
	pubBytes, privBytes, err := m.loadKeyBlob(alias)
	if err != nil {
		return nil, err
	}
	pub, err := rsaPublicFromBlob(pubBytes)
	if err != nil {
		return nil, &DelegateError{Op: "decrypt", Alias: alias, Err: err}
	}
	keySize := pub.Size()
	if len(ciphertext) < keySize {
		return nil, ErrMalformedCiphertext
	}

	return &DecryptSession{
		alias:         alias,
		requireUnlock: true,
		unlocked:      func() bool { return m.state.isUnlocked(alias) },
		markUnlocked:  func() { m.state.markUnlocked(alias) },
		run: func() ([]byte, error) {
			return openEnvelope(keySize, func(wrapped []byte) ([]byte, error) {
				return m.unwrapHeader(pubBytes, privBytes, wrapped)
			}, ciphertext)
		},
	}, nil
}

func (m *TPMManager) DeleteKey(ctx context.Context, alias string) error {
	lock := m.state.lock(alias)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(m.keyPath(alias)); err != nil && !os.IsNotExist(err) {
		return &DelegateError{Op: "delete", Alias: alias, Err: err}
	}
	m.state.reset(alias)
	m.logger.Info("tpm key pair deleted", "alias", logging.Digest(alias))
	return nil
}

// unwrapHeader executes RSA_Decrypt inside the TPM.
func (m *TPMManager) unwrapHeader(pubBytes, privBytes, wrapped []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return nil, err
	}

	srk, err := m.createPrimary()
	if err != nil {
		return nil, fmt.Errorf("tpm primary creation failed: %w", err)
	}
	defer m.flush(srk)

	keyHandle, err := m.loadKey(srk, pubBytes, privBytes)
	if err != nil {
		return nil, err
	}
	defer m.flush(keyHandle)

	decryptCmd := tpm2.RSADecrypt{
		KeyHandle: tpm2.AuthHandle{
			Handle: keyHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		CipherText: tpm2.TPM2BPublicKeyRSA{Buffer: wrapped},
		InScheme: tpm2.TPMTRSADecrypt{
			Scheme: tpm2.TPMAlgOAEP,
			Details: tpm2.NewTPMUAsymScheme(
				tpm2.TPMAlgOAEP,
				&tpm2.TPMSEncSchemeOAEP{HashAlg: tpm2.TPMAlgSHA256},
			),
		},
	}

	rsp, err := decryptCmd.Execute(m.transport)
	if err != nil {
		return nil, fmt.Errorf("tpm RSA_Decrypt failed: %w", err)
	}
	return rsp.Message.Buffer, nil
}

func (m *TPMManager) selfTestLocked(srk tpm2.TPMHandle, pubBytes, privBytes []byte) error {
	pub, err := rsaPublicFromBlob(pubBytes)
	if err != nil {
		return err
	}

	probe := []byte("vaultd key verification probe")
	ct, err := sealEnvelope(pub, probe)
	if err != nil {
		return err
	}

	keyHandle, err := m.loadKey(srk, pubBytes, privBytes)
	if err != nil {
		return err
	}
	defer m.flush(keyHandle)

	pt, err := openEnvelope(pub.Size(), func(wrapped []byte) ([]byte, error) {
		decryptCmd := tpm2.RSADecrypt{
			KeyHandle: tpm2.AuthHandle{
				Handle: keyHandle,
				Auth:   tpm2.PasswordAuth(nil),
			},
			CipherText: tpm2.TPM2BPublicKeyRSA{Buffer: wrapped},
			InScheme: tpm2.TPMTRSADecrypt{
				Scheme: tpm2.TPMAlgOAEP,
				Details: tpm2.NewTPMUAsymScheme(
					tpm2.TPMAlgOAEP,
					&tpm2.TPMSEncSchemeOAEP{HashAlg: tpm2.TPMAlgSHA256},
				),
			},
		}
		rsp, err := decryptCmd.Execute(m.transport)
		if err != nil {
			return nil, err
		}
		return rsp.Message.Buffer, nil
	}, ct)
	if err != nil {
		return err
	}
	if string(pt) != string(probe) {
		return ErrVerifyFailed
	}
	return nil
}

func (m *TPMManager) ensureOpen() error {
	if m.transport != nil {
		return nil
	}
	tpmTransport, err := transport.OpenTPM(m.devicePath)
	if err != nil {
		return fmt.Errorf("keystore: failed to open %s: %w", m.devicePath, err)
	}
	m.transport = tpmTransport
	return nil
}

// createPrimary recreates the deterministic ECC storage primary the
// key blobs are wrapped under.
func (m *TPMManager) createPrimary() (tpm2.TPMHandle, error) {
	createPrimaryCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgECC,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:            true,
				STClear:             false,
				FixedParent:         true,
				SensitiveDataOrigin: true,
				UserWithAuth:        true,
				Restricted:          true,
				Decrypt:             true,
			},
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgECC,
				&tpm2.TPMSECCParms{
					CurveID: tpm2.TPMECCNistP256,
					Scheme: tpm2.TPMTECCScheme{
						Scheme: tpm2.TPMAlgNull,
					},
				},
			),
		}),
	}

	rsp, err := createPrimaryCmd.Execute(m.transport)
	if err != nil {
		return 0, err
	}
	return rsp.ObjectHandle, nil
}

func (m *TPMManager) loadKey(srk tpm2.TPMHandle, pubBytes, privBytes []byte) (tpm2.TPMHandle, error) {
	outPublic, err := tpm2.Unmarshal[tpm2.TPM2BPublic](pubBytes)
	if err != nil {
		return 0, fmt.Errorf("unmarshal key public: %w", err)
	}

	loadCmd := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: srk,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic:  *outPublic,
		InPrivate: tpm2.TPM2BPrivate{Buffer: privBytes},
	}

	loadRsp, err := loadCmd.Execute(m.transport)
	if err != nil {
		return 0, fmt.Errorf("tpm Load failed: %w", err)
	}
	return loadRsp.ObjectHandle, nil
}

func (m *TPMManager) flush(handle tpm2.TPMHandle) {
	if handle != 0 {
		flushCmd := tpm2.FlushContext{FlushHandle: handle}
		flushCmd.Execute(m.transport)
	}
}

func (m *TPMManager) loadKeyBlob(alias string) (pub, priv []byte, err error) {
	blob, err := os.ReadFile(m.keyPath(alias))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrKeyNotFound
		}
		return nil, nil, &DelegateError{Op: "load", Alias: alias, Err: err}
	}
	pub, priv, err = decodeKeyBlob(blob)
	if err != nil {
		return nil, nil, &DelegateError{Op: "load", Alias: alias, Err: err}
	}
	return pub, priv, nil
}

func (m *TPMManager) keyPath(alias string) string {
	return filepath.Join(m.keyDir, aliasFileName(alias)+".tpm.key")
}

// verifyKeyAttributes checks the created object carries the attributes
// the scheme promises: generated inside the TPM and bound to it.
func verifyKeyAttributes(outPublic *tpm2.TPM2BPublic) error {
	pub, err := outPublic.Contents()
	if err != nil {
		return fmt.Errorf("read key public area: %w", err)
	}
	attrs := pub.ObjectAttributes
	if !attrs.FixedTPM || !attrs.FixedParent || !attrs.SensitiveDataOrigin {
		return ErrNotHardwareBacked
	}
	return nil
}

// rsaPublicFromBlob extracts the RSA public key from a marshaled
// TPM2B_PUBLIC area.
func rsaPublicFromBlob(pubBytes []byte) (*rsa.PublicKey, error) {
	outPublic, err := tpm2.Unmarshal[tpm2.TPM2BPublic](pubBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshal key public: %w", err)
	}
	pub, err := outPublic.Contents()
	if err != nil {
		return nil, fmt.Errorf("read key public area: %w", err)
	}

	rsaParms, err := pub.Parameters.RSADetail()
	if err != nil {
		return nil, fmt.Errorf("read RSA parameters: %w", err)
	}
	rsaUnique, err := pub.Unique.RSA()
	if err != nil {
		return nil, fmt.Errorf("read RSA unique: %w", err)
	}

	n := new(big.Int).SetBytes(rsaUnique.Buffer)
	exponent := int(rsaParms.Exponent)
	if exponent == 0 {
		exponent = 65537 // Default RSA exponent
	}
	return &rsa.PublicKey{N: n, E: exponent}, nil
}

// Key blob format: len(pub) || pub || len(priv) || priv
func encodeKeyBlob(pubBytes, privBytes []byte) []byte {
	blob := make([]byte, 4+len(pubBytes)+4+len(privBytes))
	binary.BigEndian.PutUint32(blob[0:4], uint32(len(pubBytes)))
	copy(blob[4:], pubBytes)
	offset := 4 + len(pubBytes)
	binary.BigEndian.PutUint32(blob[offset:offset+4], uint32(len(privBytes)))
	copy(blob[offset+4:], privBytes)
	return blob
}

func decodeKeyBlob(blob []byte) (pub, priv []byte, err error) {
	if len(blob) < 8 {
		return nil, nil, errTPMKeyCorrupt
	}
	// Lengths come from disk; bound them against the remaining bytes
	// before slicing so a corrupt blob cannot wrap the arithmetic.
	pubLen := binary.BigEndian.Uint32(blob[0:4])
	if uint64(pubLen) > uint64(len(blob)-8) {
		return nil, nil, errTPMKeyCorrupt
	}
	pub = blob[4 : 4+int(pubLen)]
	offset := 4 + int(pubLen)
	privLen := binary.BigEndian.Uint32(blob[offset : offset+4])
	if uint64(privLen) > uint64(len(blob)-offset-4) {
		return nil, nil, errTPMKeyCorrupt
	}
	priv = blob[offset+4 : offset+4+int(privLen)]
	return pub, priv, nil
}

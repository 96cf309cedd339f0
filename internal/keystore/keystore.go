// Package keystore manages the key pairs that protect stored blobs.
//
// Each encryption scheme has a Manager implementation. Managers own the
// key material for their scheme: the TPM manager keeps private keys
// inside the TPM and only ever exports wrapped blobs, the software
// manager keeps an RSA key on disk wrapped by a machine KEK, and the
// fallback manager uses a wrapped symmetric key. Encryption is always
// possible without user interaction; decryption hands out a
// DecryptSession that must be granted by the presence gate before it
// will release plaintext.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Errors shared by all managers.
var (
	ErrKeyNotFound          = errors.New("keystore: key not found")
	ErrKeyExists            = errors.New("keystore: key already exists")
	ErrUserNotAuthenticated = errors.New("keystore: user not authenticated for key use")
	ErrNotHardwareBacked    = errors.New("keystore: key is not hardware backed")
	ErrMalformedCiphertext  = errors.New("keystore: malformed ciphertext")
	ErrDecryptionFailed     = errors.New("keystore: decryption failed")
	ErrNotGranted           = errors.New("keystore: decrypt session not granted")
	ErrSessionClosed        = errors.New("keystore: decrypt session closed")
	ErrVerifyFailed         = errors.New("keystore: generated key failed verification")
)

// DelegateError wraps a failure from the underlying key machinery with
// the operation and alias it occurred on. The wrapped error carries the
// mechanism detail; callers surface only the operation and alias to
// clients.
type DelegateError struct {
	Op    string
	Alias string
	Err   error
}

func (e *DelegateError) Error() string {
	return fmt.Sprintf("keystore: %s %q: %v", e.Op, e.Alias, e.Err)
}

func (e *DelegateError) Unwrap() error { return e.Err }

// Metadata describes a scheme's parameters for status reporting.
type Metadata map[string]any

// Manager is the per-scheme key management interface.
//
// Implementations serialize operations per alias; concurrent calls for
// different aliases may proceed in parallel.
type Manager interface {
	// Scheme returns the name of the scheme this manager implements.
	Scheme() string

	// Available probes whether the manager can operate on this device,
	// including any hardware self-test. A nil return means usable.
	Available(ctx context.Context) error

	// GenerateKeyPair creates the key pair for alias. When the alias
	// already has a key and overwrite is false this is a no-op and the
	// existing key stays decryptable. With overwrite the old key is
	// destroyed first; data encrypted under it becomes unrecoverable.
	GenerateKeyPair(ctx context.Context, alias string, overwrite bool) error

	// HasKey reports whether alias has key material.
	HasKey(ctx context.Context, alias string) (bool, error)

	// Encrypt encrypts plaintext under alias's public key. It never
	// requires user presence.
	Encrypt(ctx context.Context, alias string, plaintext []byte) ([]byte, error)

	// BeginDecrypt validates the ciphertext framing and returns a
	// session that releases plaintext once granted.
	BeginDecrypt(ctx context.Context, alias string, ciphertext []byte) (*DecryptSession, error)

	// DeleteKey destroys alias's key material. Deleting a missing key
	// is not an error.
	DeleteKey(ctx context.Context, alias string) error

	// Metadata returns the scheme parameters for status reporting.
	Metadata() Metadata

	// Close releases any device handles held by the manager.
	Close() error
}

// DecryptSession is a single pending decryption. The presence gate
// calls Grant after a successful user-presence check; Decrypt then
// consumes the grant and either releases plaintext or reports that the
// key additionally requires a fresh authentication, in which case the
// gate unlocks the alias and grants again.
type DecryptSession struct {
	mu      sync.Mutex
	alias   string
	granted bool
	closed  bool

	// requireUnlock mirrors the key's user-auth binding. When set, the
	// first Decrypt after key generation fails with
	// ErrUserNotAuthenticated until MarkUnlocked has run.
	requireUnlock bool
	unlocked      func() bool
	markUnlocked  func()

	run func() ([]byte, error)

	// cleanup releases key material held for the session's lifetime. It
	// runs once, on Close, so a session abandoned without decrypting
	// still wipes its key.
	cleanup func()
}

// Alias returns the key alias this session decrypts under.
func (s *DecryptSession) Alias() string { return s.alias }

// Grant authorizes one decrypt attempt.
func (s *DecryptSession) Grant() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.granted = true
}

// MarkUnlocked records a fresh user authentication for the alias. The
// unlock persists for the life of the manager, matching keys that only
// demand authentication on first use.
func (s *DecryptSession) MarkUnlocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markUnlocked != nil {
		s.markUnlocked()
	}
}

// Decrypt consumes the current grant and attempts the decryption.
//
// Without a grant it fails with ErrNotGranted. With a grant but a
// locked alias it fails with ErrUserNotAuthenticated; the grant is
// consumed either way, so the caller must re-grant after unlocking.
func (s *DecryptSession) Decrypt() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if !s.granted {
		return nil, ErrNotGranted
	}
	s.granted = false

	if s.requireUnlock && s.unlocked != nil && !s.unlocked() {
		return nil, ErrUserNotAuthenticated
	}
	return s.run()
}

// Close invalidates the session and releases any key material it holds.
func (s *DecryptSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.granted = false
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// aliasState tracks per-alias serialization and unlock status shared by
// the manager implementations.
type aliasState struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	unlocked map[string]bool
}

func newAliasState() *aliasState {
	return &aliasState{
		locks:    make(map[string]*sync.Mutex),
		unlocked: make(map[string]bool),
	}
}

// lock returns the mutex serializing operations on alias.
func (a *aliasState) lock(alias string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.locks[alias]
	if !ok {
		m = &sync.Mutex{}
		a.locks[alias] = m
	}
	return m
}

func (a *aliasState) isUnlocked(alias string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unlocked[alias]
}

func (a *aliasState) markUnlocked(alias string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unlocked[alias] = true
}

// reset clears the unlock flag, used when a key is generated or
// deleted so the replacement demands a fresh authentication.
func (a *aliasState) reset(alias string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.unlocked, alias)
}

// Package blobstore persists encrypted blobs with a one-deep backup
// rotation.
//
// Blobs are addressed by (namespace, name); the pair is hashed into the
// file name so callers can use arbitrary identifiers. Each save
// compresses, encrypts, rotates the previous primary to the backup
// slot, and writes the new primary atomically. A load that finds no
// primary silently promotes the backup, so an interrupted save costs at
// most one generation of data.
package blobstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"vaultd/internal/logging"
	"vaultd/internal/security"
)

// Package errors.
var (
	ErrBlobTooLarge = errors.New("blobstore: blob exceeds size limit")
	ErrCorruptBlob  = errors.New("blobstore: blob corrupt")
)

const (
	blobSuffix   = ".blob"
	backupSuffix = ".blob.backup"
)

// DefaultMaxBlobSize bounds a single decoded blob.
const DefaultMaxBlobSize = 16 << 20

// Cipher encrypts and decrypts blob payloads. The decrypt side may
// block on user presence.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Store manages the blob files of one namespace.
type Store struct {
	mu        sync.Mutex
	dir       string
	namespace string
	cipher    Cipher
	maxSize   int64
	logger    *slog.Logger

	// observer is told about paths the store is about to write, so an
	// integrity watcher can tell our writes from foreign ones.
	observer func(path string)
}

// New creates a store for namespace rooted at dir.
func New(dir, namespace string, cipher Cipher) (*Store, error) {
	if err := security.EnsureSecureDir(dir); err != nil {
		return nil, fmt.Errorf("blobstore: prepare %s: %w", dir, err)
	}
	return &Store{
		dir:       dir,
		namespace: namespace,
		cipher:    cipher,
		maxSize:   DefaultMaxBlobSize,
		logger:    logging.Default().WithComponent("blobstore").Logger,
	}, nil
}

// SetMaxBlobSize overrides the per-blob size limit.
func (s *Store) SetMaxBlobSize(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.maxSize = n
	}
}

// SetWriteObserver registers a callback invoked with every path the
// store writes or renames.
func (s *Store) SetWriteObserver(fn func(path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// Dir returns the directory blobs are stored in.
func (s *Store) Dir() string { return s.dir }

// Save stores data under name. Saving nil or empty data deletes the
// blob and its backup.
func (s *Store) Save(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data) == 0 {
		return s.deleteLocked(name)
	}
	if int64(len(data)) > s.maxSize {
		return ErrBlobTooLarge
	}

	compressed, err := compress(data)
	if err != nil {
		return fmt.Errorf("blobstore: compress: %w", err)
	}
	ciphertext, err := s.cipher.Encrypt(ctx, compressed)
	if err != nil {
		return fmt.Errorf("blobstore: encrypt: %w", err)
	}

	primary := s.primaryPath(name)
	backup := s.backupPath(name)

	// Rotate the current primary into the backup slot before touching
	// the primary, so a crash mid-write leaves a readable generation.
	if _, err := os.Stat(primary); err == nil {
		s.observe(backup)
		if err := os.Rename(primary, backup); err != nil {
			return fmt.Errorf("blobstore: rotate backup: %w", err)
		}
	}

	s.observe(primary)
	if err := security.WriteSecretFile(primary, ciphertext); err != nil {
		return fmt.Errorf("blobstore: write blob: %w", err)
	}

	s.logger.Debug("blob saved",
		"name", logging.Digest(name),
		"plaintext_bytes", len(data),
		"stored_bytes", len(ciphertext))
	return nil
}

// Load reads the blob stored under name. A missing blob returns
// (nil, nil). When only the backup generation exists it is promoted to
// primary first.
func (s *Store) Load(ctx context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	primary := s.primaryPath(name)
	backup := s.backupPath(name)

	if _, err := os.Stat(primary); os.IsNotExist(err) {
		if _, berr := os.Stat(backup); berr == nil {
			s.observe(primary)
			if err := os.Rename(backup, primary); err != nil {
				return nil, fmt.Errorf("blobstore: promote backup: %w", err)
			}
			s.logger.Warn("promoted backup blob", "name", logging.Digest(name))
		} else {
			return nil, nil
		}
	}

	ciphertext, err := security.ReadSecureFile(primary, s.maxSize*2)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read blob: %w", err)
	}

	compressed, err := s.cipher.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("blobstore: decrypt: %w", err)
	}
	data, err := decompress(compressed, s.maxSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	return data, nil
}

// HasData reports whether a primary blob exists for name.
func (s *Store) HasData(name string) bool {
	_, err := os.Stat(s.primaryPath(name))
	return err == nil
}

// HasBackup reports whether a backup generation exists for name.
func (s *Store) HasBackup(name string) bool {
	_, err := os.Stat(s.backupPath(name))
	return err == nil
}

// Delete removes the blob and its backup.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(name)
}

func (s *Store) deleteLocked(name string) error {
	for _, path := range []string{s.primaryPath(name), s.backupPath(name)} {
		s.observe(path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("blobstore: delete %s: %w", filepath.Base(path), err)
		}
	}
	s.logger.Debug("blob deleted", "name", logging.Digest(name))
	return nil
}

func (s *Store) observe(path string) {
	if s.observer != nil {
		s.observer(path)
	}
}

func (s *Store) primaryPath(name string) string {
	return filepath.Join(s.dir, s.fileStem(name)+blobSuffix)
}

func (s *Store) backupPath(name string) string {
	return filepath.Join(s.dir, s.fileStem(name)+backupSuffix)
}

// fileStem hashes namespace and name into a fixed-width file name.
func (s *Store) fileStem(name string) string {
	sum := sha256.Sum256([]byte(s.namespace + "/" + name))
	return hex.EncodeToString(sum[:])
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte, limit int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, ErrBlobTooLarge
	}
	return out, nil
}

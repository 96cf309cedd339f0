// Package security provides filesystem and memory hygiene primitives for
// vaultd.
//
// Everything that touches key material or ciphertext goes through this
// package: files are created 0600 inside 0700 directories, writes are
// atomic (temp file in the target directory, sync, rename), and reads
// refuse files whose permissions have been loosened out from under us.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// File permission constants.
const (
	// PermSecretFile is the permission for files containing secrets or ciphertext.
	PermSecretFile os.FileMode = 0600

	// PermSecretDir is the permission for directories containing secrets.
	PermSecretDir os.FileMode = 0700
)

// File operation errors.
var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrAtomicWriteFailed   = errors.New("security: atomic write failed")
	ErrTempFileFailed      = errors.New("security: temporary file creation failed")
	ErrFileTooLarge        = errors.New("security: file exceeds maximum size")
	ErrInvalidPath         = errors.New("security: invalid path")
)

// ValidatePath rejects relative paths and paths containing traversal
// elements. It returns the cleaned absolute path.
func ValidatePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) {
		abs, err := filepath.Abs(clean)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		clean = abs
	}
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("%w: traversal in %q", ErrInvalidPath, path)
		}
	}
	return clean, nil
}

// SecureFileWriter handles atomic file writes with secure permissions.
// The data is written to a temporary file in the same directory, synced,
// and renamed over the target so a crash never leaves a half-written file.
type SecureFileWriter struct {
	path     string
	tempFile *os.File
	tempPath string
}

// NewSecureFileWriter creates a writer for a secure atomic file write.
func NewSecureFileWriter(path string, perm os.FileMode) (*SecureFileWriter, error) {
	cleanPath, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cleanPath), PermSecretDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := cleanPath + ".tmp." + randomSuffix()
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}

	return &SecureFileWriter{
		path:     cleanPath,
		tempFile: tempFile,
		tempPath: tempPath,
	}, nil
}

// Write writes data to the temporary file.
func (w *SecureFileWriter) Write(p []byte) (int, error) {
	return w.tempFile.Write(p)
}

// Commit syncs the temporary file and atomically renames it to the final path.
func (w *SecureFileWriter) Commit() error {
	if err := w.tempFile.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// Abort cancels the write and removes the temporary file.
func (w *SecureFileWriter) Abort() {
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteSecureFile writes data to a file atomically with the given permissions.
func WriteSecureFile(path string, data []byte, perm os.FileMode) error {
	writer, err := NewSecureFileWriter(path, perm)
	if err != nil {
		return err
	}
	if _, err := writer.Write(data); err != nil {
		writer.Abort()
		return err
	}
	return writer.Commit()
}

// WriteSecretFile writes data to a file with secret permissions (0600).
func WriteSecretFile(path string, data []byte) error {
	return WriteSecureFile(path, data, PermSecretFile)
}

// ReadSecureFile reads a file after verifying its permissions are still
// owner-only. A file readable by group or other is treated as compromised
// rather than silently accepted.
func ReadSecureFile(path string, maxSize int64) ([]byte, error) {
	cleanPath, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, err
	}

	if runtime.GOOS != "windows" {
		mode := info.Mode().Perm()
		if mode&0077 != 0 {
			return nil, fmt.Errorf("%w: file %s has mode %04o, expected %04o",
				ErrInsecurePermissions, cleanPath, mode, PermSecretFile)
		}
	}

	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, info.Size(), maxSize)
	}

	return os.ReadFile(cleanPath)
}

// EnsureSecureDir ensures a directory exists with 0700 permissions,
// tightening them if they have been loosened.
func EnsureSecureDir(path string) error {
	cleanPath, err := ValidatePath(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(cleanPath, PermSecretDir)
		}
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, cleanPath)
	}

	if runtime.GOOS != "windows" {
		if info.Mode().Perm()&0077 != 0 {
			if err := os.Chmod(cleanPath, PermSecretDir); err != nil {
				return fmt.Errorf("fix directory permissions: %w", err)
			}
		}
	}

	return nil
}

// SecureCopy copies a file through an atomic write with the given permissions.
func SecureCopy(src, dst string, perm os.FileMode) error {
	srcPath, err := ValidatePath(src)
	if err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}

	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	writer, err := NewSecureFileWriter(dst, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(writer, srcFile); err != nil {
		writer.Abort()
		return err
	}

	return writer.Commit()
}

// LockFile acquires an exclusive advisory lock on a file.
func LockFile(f *os.File) error {
	return lockFile(f)
}

// UnlockFile releases the advisory lock on a file.
func UnlockFile(f *os.File) error {
	return unlockFile(f)
}

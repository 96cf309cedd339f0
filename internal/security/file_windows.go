//go:build windows

package security

import "os"

// lockFile is a no-op on Windows; exclusive open semantics provide
// equivalent protection for the daemon's single-process model.
func lockFile(f *os.File) error {
	return nil
}

func unlockFile(f *os.File) error {
	return nil
}

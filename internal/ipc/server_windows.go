//go:build windows

package ipc

import (
	"errors"
	"net"
	"os"
)

// PeerCredentials holds the credentials of a peer process.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// CleanupSocket removes a stale socket file. AF_UNIX sockets are
// supported on Windows 10 1803+, but appear as regular files to Lstat,
// so any existing path is removed.
func CleanupSocket(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsSocketListening checks if a socket is already listening.
func IsSocketListening(path string) bool {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// VerifyPeerIsCurrentUser fails closed: Windows has no SO_PEERCRED
// equivalent for AF_UNIX sockets, and an unverifiable peer is rejected.
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	return false, errors.New("ipc: peer credential verification not supported on windows")
}

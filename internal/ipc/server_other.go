//go:build !linux && !darwin && !windows

package ipc

import (
	"errors"
	"net"
)

// VerifyPeerIsCurrentUser fails closed on platforms without a peer
// credential mechanism: an unverifiable peer is rejected.
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	return false, errors.New("ipc: peer credential verification not supported on this platform")
}

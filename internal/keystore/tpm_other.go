//go:build !linux

package keystore

import "errors"

// SchemeTPMHybridRSA identifies the hardware-backed RSA envelope scheme.
const SchemeTPMHybridRSA = "tpm-hybrid-rsa"

var errTPMNotAvailable = errors.New("keystore: TPM 2.0 not supported on this platform")

// NewTPMManager is unavailable off Linux; the scheme probe reports the
// platform limitation and selection falls through to a software scheme.
func NewTPMManager(keyDir, devicePath string) (Manager, error) {
	return nil, errTPMNotAvailable
}

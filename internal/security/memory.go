package security

import (
	"crypto/subtle"
	"runtime"
)

// Wipe zeroes a byte slice in place. Use after any buffer that held key
// material or plaintext is no longer needed.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// Prevent the compiler from eliding the zeroing.
	runtime.KeepAlive(b)
}

// ConstantTimeCompare compares two byte slices in constant time.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

//go:build linux

package presence

// NewPlatformVerifier returns the native presence verifier for this
// platform: the fprintd fingerprint service.
func NewPlatformVerifier() (Verifier, error) {
	return NewFprintVerifier()
}

//go:build !linux

package presence

import "errors"

// NewPlatformVerifier returns the native presence verifier for this
// platform. Only Linux has one (fprintd); other platforms must use the
// prompt agent.
func NewPlatformVerifier() (Verifier, error) {
	return nil, errors.New("presence: no native verifier on this platform, use the prompt agent")
}

// Package scheme maintains the catalog of encryption schemes vaultd can
// use to protect stored blobs.
//
// Each scheme couples a strength ranking with an eligibility probe that
// checks whether the current device can actually run it (hardware
// present, self-test round-trip succeeds). Selection picks the strongest
// eligible scheme once per device and pins the result; a pinned choice
// is never silently replaced by a different scheme, because the on-disk
// ciphertext is only decryptable under the keys of the scheme that
// wrote it.
package scheme

import (
	"context"
	"errors"
	"fmt"
)

// Strength ranks schemes by the robustness of their key protection.
// Higher is stronger.
type Strength int

const (
	// StrengthPending marks a scheme that is registered but not yet
	// selectable (implementation incomplete on this platform).
	StrengthPending Strength = -1

	// StrengthFallbackOnly offers encryption at rest but no hardware
	// backing for the key.
	StrengthFallbackOnly Strength = 0

	// StrengthWeak has hardware-adjacent protection with known
	// limitations.
	StrengthWeak Strength = 1

	// StrengthStrong keeps the private key inside secure hardware with
	// user-presence enforcement.
	StrengthStrong Strength = 2
)

func (s Strength) String() string {
	switch s {
	case StrengthPending:
		return "pending"
	case StrengthFallbackOnly:
		return "fallback"
	case StrengthWeak:
		return "weak"
	case StrengthStrong:
		return "strong"
	default:
		return fmt.Sprintf("Strength(%d)", int(s))
	}
}

// ParseStrength parses a strength name as used in configuration.
func ParseStrength(s string) (Strength, error) {
	switch s {
	case "fallback":
		return StrengthFallbackOnly, nil
	case "weak":
		return StrengthWeak, nil
	case "strong":
		return StrengthStrong, nil
	default:
		return StrengthFallbackOnly, fmt.Errorf("scheme: unknown strength %q", s)
	}
}

// Environment carries the device-local facts an eligibility probe needs.
type Environment struct {
	// KeyDir is where key context blobs and wrapped software keys live.
	KeyDir string

	// TPMDevice overrides TPM device autodetection when non-empty.
	TPMDevice string
}

// Descriptor describes one registered encryption scheme.
type Descriptor struct {
	// Name uniquely identifies the scheme. It is recorded in the pin
	// file and must stay stable across releases.
	Name string

	// Strength is the scheme's protection ranking.
	Strength Strength

	// Eligible reports whether the scheme can run on this device.
	// A nil return means eligible; the error message is the diagnostic
	// surfaced as a degraded-mode warning. The probe may perform a
	// lightweight encrypt/decrypt self-test against the keystore.
	Eligible func(ctx context.Context, env *Environment) error

	// Metadata returns scheme parameters for the bridge's ping payload.
	Metadata func() map[string]any
}

// Choice is the outcome of scheme selection. A nil Scheme means no
// registered scheme is eligible on this device; Warning then carries the
// synthesized diagnostic. A non-nil Scheme with a non-empty Warning
// means the device runs in degraded mode.
type Choice struct {
	Scheme  *Descriptor
	Warning string
}

// Compatibility returns a CompatibilityError when the choice selected no
// scheme, nil otherwise.
func (c Choice) Compatibility() error {
	if c.Scheme != nil {
		return nil
	}
	return &CompatibilityError{Reason: c.Warning}
}

// Package errors.
var (
	ErrDuplicateScheme  = errors.New("scheme: duplicate scheme name")
	ErrNilDescriptor    = errors.New("scheme: nil descriptor")
	ErrNoEligibleScheme = errors.New("scheme: no eligible scheme")
)

// CompatibilityError reports that the device lacks the primitives this
// feature requires at all.
type CompatibilityError struct {
	Reason string
}

func (e *CompatibilityError) Error() string {
	if e.Reason == "" {
		return "scheme: device does not support secure storage"
	}
	return "scheme: device does not support secure storage: " + e.Reason
}

// SecurityCompatibilityError is the stricter sub-case: secure hardware
// exists but no eligible scheme meets the configured minimum strength.
type SecurityCompatibilityError struct {
	CompatibilityError
	Minimum Strength
}

func (e *SecurityCompatibilityError) Error() string {
	return fmt.Sprintf("scheme: no eligible scheme meets minimum strength %s: %s",
		e.Minimum, e.Reason)
}

func (e *SecurityCompatibilityError) Unwrap() error {
	return &e.CompatibilityError
}

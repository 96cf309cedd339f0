package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"vaultd/internal/scheme"
)

// SchemeHybridEC names the planned ECIES scheme. It is registered so
// the name is reserved, but its probe always declines.
const SchemeHybridEC = "hybrid-ec"

// ErrUnknownScheme is returned when a pin or caller names a scheme the
// factory cannot build.
var ErrUnknownScheme = errors.New("keystore: unknown scheme")

// Factory builds and caches managers per scheme.
type Factory struct {
	mu       sync.Mutex
	env      *scheme.Environment
	kek      *MachineKEK
	managers map[string]Manager
}

// NewFactory creates a manager factory rooted in the environment's key
// directory.
func NewFactory(env *scheme.Environment) (*Factory, error) {
	kek, err := NewMachineKEK(env.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("initialize machine kek: %w", err)
	}
	return &Factory{
		env:      env,
		kek:      kek,
		managers: make(map[string]Manager),
	}, nil
}

// Manager returns the manager for a scheme name, constructing it on
// first use.
func (f *Factory) Manager(name string) (Manager, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.managers[name]; ok {
		return m, nil
	}

	var (
		m   Manager
		err error
	)
	switch name {
	case SchemeTPMHybridRSA:
		m, err = NewTPMManager(f.env.KeyDir, f.env.TPMDevice)
	case SchemeSoftwareHybridRSA:
		m = NewSoftwareManager(f.env.KeyDir, f.kek)
	case SchemeFallbackAES:
		m = NewFallbackManager(f.env.KeyDir, f.kek)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
	if err != nil {
		return nil, err
	}

	f.managers[name] = m
	return m, nil
}

// Close closes all constructed managers.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for _, m := range f.managers {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.managers = make(map[string]Manager)
	return firstErr
}

// RegisterDefaultSchemes populates a registry with the built-in schemes
// in probe order. Eligibility probes construct the manager through the
// factory and run its availability self-test.
func RegisterDefaultSchemes(r *scheme.Registry, f *Factory) error {
	probe := func(name string) func(ctx context.Context, env *scheme.Environment) error {
		return func(ctx context.Context, env *scheme.Environment) error {
			m, err := f.Manager(name)
			if err != nil {
				return err
			}
			return m.Available(ctx)
		}
	}
	metadata := func(name string) func() map[string]any {
		return func() map[string]any {
			m, err := f.Manager(name)
			if err != nil {
				return nil
			}
			return m.Metadata()
		}
	}

	descriptors := []*scheme.Descriptor{
		{
			Name:     SchemeTPMHybridRSA,
			Strength: scheme.StrengthStrong,
			Eligible: probe(SchemeTPMHybridRSA),
			Metadata: metadata(SchemeTPMHybridRSA),
		},
		{
			Name:     SchemeSoftwareHybridRSA,
			Strength: scheme.StrengthWeak,
			Eligible: probe(SchemeSoftwareHybridRSA),
			Metadata: metadata(SchemeSoftwareHybridRSA),
		},
		{
			Name:     SchemeFallbackAES,
			Strength: scheme.StrengthFallbackOnly,
			Eligible: probe(SchemeFallbackAES),
			Metadata: metadata(SchemeFallbackAES),
		},
		{
			Name:     SchemeHybridEC,
			Strength: scheme.StrengthPending,
			Eligible: func(ctx context.Context, env *scheme.Environment) error {
				return errors.New("hybrid-ec: not yet implemented")
			},
		},
	}

	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

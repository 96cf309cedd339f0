package scheme

import (
	"context"
	"log/slog"
	"sync"

	"vaultd/internal/logging"
)

// Registry holds registered schemes in registration order and resolves
// the best eligible one for this device.
type Registry struct {
	mu      sync.Mutex
	ordered []*Descriptor
	byName  map[string]*Descriptor
	pins    *PinStore
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. The pin store may be nil, in
// which case every selection re-probes.
func NewRegistry(pins *PinStore) *Registry {
	return &Registry{
		byName: make(map[string]*Descriptor),
		pins:   pins,
		logger: logging.Default().WithComponent("scheme").Logger,
	}
}

// Register adds a scheme. Registration order is significant: it is the
// probe order, and the tie-break between equally strong schemes.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Name == "" || d.Eligible == nil {
		return ErrNilDescriptor
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[d.Name]; exists {
		return ErrDuplicateScheme
	}
	r.byName[d.Name] = d
	r.ordered = append(r.ordered, d)
	return nil
}

// Resolve looks up a scheme by name.
func (r *Registry) Resolve(name string) (*Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[name]
	return d, ok
}

// Names returns the registered scheme names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.ordered))
	for i, d := range r.ordered {
		names[i] = d.Name
	}
	return names
}

// SelectBest returns the strongest eligible scheme at or above the
// given minimum strength.
//
// A previously pinned choice that still resolves is returned as-is
// without re-probing; a pin naming an unknown scheme (or an unreadable
// pin file) is discarded and selection runs fresh. A fresh selection
// probes schemes in registration order, skipping any that cannot beat
// the current candidate, and stops early when a scheme of the top
// strength tier passes. The diagnostic of the strongest failing scheme
// becomes the degraded-mode warning; choosing a top-tier scheme clears
// it. When nothing is eligible the returned Choice has a nil Scheme and
// a synthesized warning, and nothing is pinned.
func (r *Registry) SelectBest(ctx context.Context, env *Environment, minimum Strength) (Choice, error) {
	if pinned, ok := r.resolvePin(); ok {
		return pinned, nil
	}

	r.mu.Lock()
	candidates := make([]*Descriptor, len(r.ordered))
	copy(candidates, r.ordered)
	r.mu.Unlock()

	var (
		selected     *Descriptor
		failMsg      string
		failStrength = StrengthPending
	)

	for _, d := range candidates {
		if d.Strength < minimum {
			continue
		}
		if selected != nil && d.Strength <= selected.Strength {
			continue
		}

		if err := d.Eligible(ctx, env); err != nil {
			r.logger.Debug("scheme ineligible",
				"scheme", d.Name,
				"strength", d.Strength.String(),
				"reason", err.Error())
			// Keep the diagnostic from the strongest failure only.
			if failMsg == "" || d.Strength > failStrength {
				failMsg = err.Error()
				failStrength = d.Strength
			}
			continue
		}

		selected = d
		if selected.Strength == StrengthStrong {
			// Nothing can beat it; forget weaker diagnostics.
			failMsg = ""
			break
		}
	}

	if selected == nil {
		warning := "no supported secure storage scheme on this device"
		if failMsg != "" {
			warning += ": " + failMsg
		}
		r.logger.Warn("no eligible scheme", "minimum", minimum.String(), "warning", warning)
		return Choice{Warning: warning}, nil
	}

	warning := ""
	if failStrength > selected.Strength {
		warning = failMsg
	}
	choice := Choice{Scheme: selected, Warning: warning}

	r.logger.Info("scheme selected",
		"scheme", selected.Name,
		"strength", selected.Strength.String(),
		"degraded", warning != "")

	if r.pins != nil {
		if err := r.pins.Save(&Pin{Scheme: selected.Name, Warning: warning}); err != nil {
			return Choice{}, err
		}
	}
	return choice, nil
}

// resolvePin returns the pinned choice when a valid pin names a known
// scheme. Corrupt or stale pins are cleared so selection re-probes.
func (r *Registry) resolvePin() (Choice, bool) {
	if r.pins == nil {
		return Choice{}, false
	}

	pin, err := r.pins.Load()
	if err != nil {
		r.logger.Warn("discarding unreadable scheme pin", "error", err)
		_ = r.pins.Clear()
		return Choice{}, false
	}
	if pin == nil {
		return Choice{}, false
	}

	d, ok := r.Resolve(pin.Scheme)
	if !ok {
		r.logger.Warn("pinned scheme no longer registered", "scheme", pin.Scheme)
		_ = r.pins.Clear()
		return Choice{}, false
	}
	return Choice{Scheme: d, Warning: pin.Warning}, true
}

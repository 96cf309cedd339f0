package scheme

import (
	"encoding/json"
	"fmt"
	"os"

	"vaultd/internal/security"
)

// Pin is the persisted record of a scheme choice. The warning is stored
// alongside so a degraded device keeps reporting its limitation across
// restarts without re-probing hardware.
type Pin struct {
	Scheme  string `json:"scheme"`
	Warning string `json:"warning,omitempty"`
}

// PinStore persists the scheme pin as a small JSON file with secret-file
// permissions. Writes go through an atomic temp-and-rename so a crash
// never leaves a truncated pin.
type PinStore struct {
	path string
}

// NewPinStore creates a pin store backed by the given file path.
func NewPinStore(path string) *PinStore {
	return &PinStore{path: path}
}

// Load reads the pinned choice. It returns (nil, nil) when no pin
// exists, and an error when the file exists but cannot be parsed.
func (p *PinStore) Load() (*Pin, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read scheme pin: %w", err)
	}

	var pin Pin
	if err := json.Unmarshal(data, &pin); err != nil {
		return nil, fmt.Errorf("parse scheme pin: %w", err)
	}
	if pin.Scheme == "" {
		return nil, fmt.Errorf("parse scheme pin: empty scheme name")
	}
	return &pin, nil
}

// Save atomically writes the pinned choice.
func (p *PinStore) Save(pin *Pin) error {
	data, err := json.MarshalIndent(pin, "", "  ")
	if err != nil {
		return fmt.Errorf("encode scheme pin: %w", err)
	}
	if err := security.WriteSecretFile(p.path, data); err != nil {
		return fmt.Errorf("write scheme pin: %w", err)
	}
	return nil
}

// Clear removes the pin file. Missing files are not an error.
func (p *PinStore) Clear() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear scheme pin: %w", err)
	}
	return nil
}

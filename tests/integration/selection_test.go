//go:build integration

package integration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultd/internal/ipc"
	"vaultd/internal/keystore"
	"vaultd/internal/scheme"
)

// TestSchemeSelectionIsPinnedAcrossRestarts selects a scheme the way the
// daemon does at startup and verifies a second startup reuses the pin
// instead of re-deciding.
func TestSchemeSelectionIsPinnedAcrossRestarts(t *testing.T) {
	tempDir := t.TempDir()
	env := &scheme.Environment{KeyDir: filepath.Join(tempDir, "keys")}
	require.NoError(t, os.MkdirAll(env.KeyDir, 0700))
	pinPath := filepath.Join(tempDir, "scheme.pin")

	selectOnce := func() scheme.Choice {
		factory, err := keystore.NewFactory(env)
		require.NoError(t, err)
		defer factory.Close()

		registry := scheme.NewRegistry(scheme.NewPinStore(pinPath))
		require.NoError(t, keystore.RegisterDefaultSchemes(registry, factory))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		choice, err := registry.SelectBest(ctx, env, scheme.StrengthFallbackOnly)
		require.NoError(t, err)
		return choice
	}

	first := selectOnce()
	require.NotNil(t, first.Scheme, "a built-in scheme must be eligible: %s", first.Warning)

	// The pin file records the decision.
	pin, err := scheme.NewPinStore(pinPath).Load()
	require.NoError(t, err)
	require.NotNil(t, pin)
	assert.Equal(t, first.Scheme.Name, pin.Scheme)

	second := selectOnce()
	require.NotNil(t, second.Scheme)
	assert.Equal(t, first.Scheme.Name, second.Scheme.Name)
}

// TestProbeFailsClosedWithoutDaemon verifies a client cannot mistake a
// dead daemon for a working one.
func TestProbeFailsClosedWithoutDaemon(t *testing.T) {
	cfg := ipc.DefaultClientConfig("")
	cfg.SocketPath = filepath.Join(t.TempDir(), "vaultd.sock")
	cfg.ConnectTimeout = 500 * time.Millisecond
	client := ipc.NewClient(cfg)

	require.Error(t, client.Connect())
}

// TestProbeFailsClosedOnUnresponsiveDaemon verifies that a daemon that
// cannot answer within the probe deadline is reported as incompatible,
// not as slow.
func TestProbeFailsClosedOnUnresponsiveDaemon(t *testing.T) {
	te := NewTestEnv(t)

	// An already-expired deadline stands in for a wedged daemon.
	ctx, cancel := context.WithTimeout(te.Ctx, time.Nanosecond)
	defer cancel()

	_, err := te.Client.Probe(ctx)
	require.Error(t, err)
	var compat *scheme.CompatibilityError
	assert.True(t, errors.As(err, &compat), "want CompatibilityError, got %T", err)
}

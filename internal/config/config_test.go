package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	errs := cfg.Validate()
	assert.Empty(t, errs)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, "vaultd", cfg.Keys.Namespace)
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
version = 1

[keys]
namespace = "acme"
default_alias = "acme-default"
minimum_strength = "strong"
require_secure_scheme = true

[presence]
max_attempts = 5
verifier = "none"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Keys.Namespace)
	assert.Equal(t, "strong", cfg.Keys.MinimumStrength)
	assert.True(t, cfg.Keys.RequireSecureScheme)
	assert.Equal(t, 5, cfg.Presence.MaxAttempts)
	// Unspecified sections keep their defaults.
	assert.Equal(t, 1000, cfg.IPC.ProbeTimeoutMs)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
version: 1
keys:
  namespace: widgets
  default_alias: widgets-default
  minimum_strength: weak
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "widgets", cfg.Keys.Namespace)
	assert.Equal(t, "weak", cfg.Keys.MinimumStrength)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[keys]
minimum_strength = "quantum"

[presence]
max_attempts = 0
verifier = "palmprint"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	_, err := Load(path)
	require.Error(t, err)
	verrs, ok := err.(ValidationErrors)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(verrs), 3)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("VAULTD_BLOB_DIR", "/tmp/blobs-override")
	t.Setenv("VAULTD_MIN_STRENGTH", "strong")
	t.Setenv("VAULTD_REQUIRE_SECURE", "true")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "/tmp/blobs-override", cfg.Storage.BlobDir)
	assert.Equal(t, "strong", cfg.Keys.MinimumStrength)
	assert.True(t, cfg.Keys.RequireSecureScheme)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := DefaultConfig()
	cfg.Keys.Namespace = "roundtrip"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "roundtrip", loaded.Keys.Namespace)
}

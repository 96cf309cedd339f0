//go:build integration

package integration

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blobPath mirrors the store's hashed file naming.
func (te *TestEnv) blobPath(name string) string {
	sum := sha256.Sum256([]byte(te.Cfg.Keys.Namespace + "/" + name))
	return filepath.Join(te.Cfg.Storage.BlobDir, hex.EncodeToString(sum[:])+".blob")
}

func TestStoreRoundTripOverTheWire(t *testing.T) {
	te := NewTestEnv(t)

	_, exists, err := te.Client.StoreLoad("tokens")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, te.Client.StoreSave("tokens", []byte("v1")))

	status, err := te.Client.StoreStatus("tokens")
	require.NoError(t, err)
	assert.True(t, status.HasData)
	assert.False(t, status.HasBackup)

	data, exists, err := te.Client.StoreLoad("tokens")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("v1"), data)

	require.NoError(t, te.Client.StoreDelete("tokens"))
	status, err = te.Client.StoreStatus("tokens")
	require.NoError(t, err)
	assert.False(t, status.HasData)
	assert.False(t, status.HasBackup)
}

func TestStoreKeepsOneBackupGeneration(t *testing.T) {
	te := NewTestEnv(t)

	require.NoError(t, te.Client.StoreSave("tokens", []byte("v1")))
	require.NoError(t, te.Client.StoreSave("tokens", []byte("v2")))

	status, err := te.Client.StoreStatus("tokens")
	require.NoError(t, err)
	assert.True(t, status.HasData)
	assert.True(t, status.HasBackup)

	data, exists, err := te.Client.StoreLoad("tokens")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("v2"), data)
}

func TestInterruptedSaveRecoversFromBackup(t *testing.T) {
	te := NewTestEnv(t)

	require.NoError(t, te.Client.StoreSave("tokens", []byte("v1")))
	require.NoError(t, te.Client.StoreSave("tokens", []byte("v2")))

	// Simulate a save that crashed after rotating the primary into the
	// backup slot but before writing the new primary.
	require.NoError(t, os.Remove(te.blobPath("tokens")))

	status, err := te.Client.StoreStatus("tokens")
	require.NoError(t, err)
	assert.False(t, status.HasData)
	assert.True(t, status.HasBackup)

	// Load silently promotes the backup: the previous generation comes
	// back instead of an error or an empty default.
	data, exists, err := te.Client.StoreLoad("tokens")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, []byte("v1"), data)

	status, err = te.Client.StoreStatus("tokens")
	require.NoError(t, err)
	assert.True(t, status.HasData)
	assert.False(t, status.HasBackup)
}

func TestStoreSaveEmptyDeletes(t *testing.T) {
	te := NewTestEnv(t)

	require.NoError(t, te.Client.StoreSave("tokens", []byte("v1")))
	require.NoError(t, te.Client.StoreSave("tokens", nil))

	status, err := te.Client.StoreStatus("tokens")
	require.NoError(t, err)
	assert.False(t, status.HasData)
	assert.False(t, status.HasBackup)
}

//go:build integration

package integration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultd/internal/audit"
	"vaultd/internal/ipc"
	"vaultd/internal/keystore"
	"vaultd/internal/presence"
)

func TestPingAndSecurityStatus(t *testing.T) {
	te := NewTestEnv(t)

	pong, err := te.Client.Probe(te.Ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", pong.Ping)
	assert.Equal(t, "vaultd", pong.Delegate)
	assert.Equal(t, keystore.SchemeSoftwareHybridRSA, pong.DelegateScheme)
	// The software scheme runs in degraded mode.
	assert.Equal(t, 1, pong.HasEnhancedSecurity)
	assert.NotEmpty(t, pong.SecurityWarning)

	status, err := te.Client.SecurityStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, status.Status)
}

func TestStorageLocationIsBlobDir(t *testing.T) {
	te := NewTestEnv(t)

	path, err := te.Client.StorageLocation()
	require.NoError(t, err)
	assert.Equal(t, te.Cfg.Storage.BlobDir, path)
}

func TestKeyLifecycleAndDataRoundTrip(t *testing.T) {
	te := NewTestEnv(t)

	require.NoError(t, te.Client.GenerateKey("mail", false))

	plaintext := []byte("a refresh token")
	ciphertext, err := te.Client.Encrypt("mail", plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	got, err := te.Client.Decrypt("mail", ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// A fresh key is key-bound prompted, presence-unlocked, then
	// key-bound prompted again.
	prompts := te.Verifier.Prompts()
	require.Len(t, prompts, 3)
	assert.True(t, prompts[0].KeyBound)
	assert.False(t, prompts[1].KeyBound)
	assert.True(t, prompts[2].KeyBound)

	require.NoError(t, te.Client.DeleteKey("mail"))

	// Decrypting after deletion fails through the delegate path.
	_, err = te.Client.Decrypt("mail", ciphertext)
	require.Error(t, err)
	var bridgeErr *ipc.BridgeError
	require.True(t, errors.As(err, &bridgeErr))
	assert.Equal(t, ipc.CodeSecureDelegate, bridgeErr.Code)
}

func TestDecryptCancelledByUser(t *testing.T) {
	te := NewTestEnv(t, presence.Outcome{Cancelled: true})

	require.NoError(t, te.Client.GenerateKey("mail", false))
	ciphertext, err := te.Client.Encrypt("mail", []byte("secret"))
	require.NoError(t, err)

	_, err = te.Client.Decrypt("mail", ciphertext)
	require.Error(t, err)

	var bridgeErr *ipc.BridgeError
	require.True(t, errors.As(err, &bridgeErr))
	assert.Equal(t, ipc.CodeBiometricCancel, bridgeErr.Code)
	assert.Equal(t, "Biometric decryption was cancelled.", bridgeErr.Message)
	assert.Equal(t, "Decryption was cancelled.", bridgeErr.Details)
}

func TestDecryptRetriesThenSucceeds(t *testing.T) {
	// Two mismatches inside the three-attempt budget, then a match.
	te := NewTestEnv(t, presence.Outcome{}, presence.Outcome{})

	require.NoError(t, te.Client.GenerateKey("mail", false))
	ciphertext, err := te.Client.Encrypt("mail", []byte("secret"))
	require.NoError(t, err)

	got, err := te.Client.Decrypt("mail", ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)
}

func TestStandalonePresenceCheck(t *testing.T) {
	te := NewTestEnv(t)

	require.NoError(t, te.Client.VerifyPresence("confirm it is you"))
	prompts := te.Verifier.Prompts()
	require.Len(t, prompts, 1)
	assert.False(t, prompts[0].KeyBound)
}

func TestAuditChainSurvivesTheFlow(t *testing.T) {
	te := NewTestEnv(t)

	require.NoError(t, te.Client.GenerateKey("mail", false))
	require.NoError(t, te.Client.DeleteKey("mail"))
	require.NoError(t, te.Client.StoreSave("tokens", []byte("v1")))

	require.NoError(t, te.Auditor.Verify())

	entries, err := te.Auditor.Recent(10)
	require.NoError(t, err)
	ops := make([]string, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, e.Op)
	}
	assert.Contains(t, ops, audit.OpKeyGenerated)
	assert.Contains(t, ops, audit.OpKeyDeleted)
}

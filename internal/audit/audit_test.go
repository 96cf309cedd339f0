package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLogForTest(t *testing.T) (*Log, string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "audit.db")
	secretPath := filepath.Join(dir, "audit.secret")
	l, err := Open(dbPath, secretPath)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, dbPath, secretPath
}

func TestAppendAndVerify(t *testing.T) {
	l, _, _ := openLogForTest(t)

	require.NoError(t, l.Append(OpKeyGenerated, "a1b2c3", ""))
	require.NoError(t, l.Append(OpDecryptDenied, "a1b2c3", "attempts exhausted"))
	require.NoError(t, l.Append(OpKeyDeleted, "a1b2c3", ""))

	require.NoError(t, l.Verify())

	entries, err := l.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first.
	assert.Equal(t, OpKeyDeleted, entries[0].Op)
	assert.Equal(t, OpKeyGenerated, entries[2].Op)
}

func TestChainSurvivesReopen(t *testing.T) {
	l, dbPath, secretPath := openLogForTest(t)
	require.NoError(t, l.Append(OpKeyGenerated, "x", ""))
	require.NoError(t, l.Close())

	l2, err := Open(dbPath, secretPath)
	require.NoError(t, err)
	defer l2.Close()

	require.NoError(t, l2.Append(OpSchemePinned, "", "tpm-hybrid-rsa"))
	require.NoError(t, l2.Verify())
}

func TestTamperedDetailDetected(t *testing.T) {
	l, _, _ := openLogForTest(t)
	require.NoError(t, l.Append(OpKeyGenerated, "x", "original"))

	_, err := l.db.Exec(`UPDATE entries SET detail = 'forged' WHERE id = 1`)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Verify(), ErrChainBroken)
}

func TestDeletedEntryDetected(t *testing.T) {
	l, _, _ := openLogForTest(t)
	require.NoError(t, l.Append(OpKeyGenerated, "x", ""))
	require.NoError(t, l.Append(OpKeyDeleted, "x", ""))
	require.NoError(t, l.Append(OpSchemePinned, "", "fallback-aes"))

	_, err := l.db.Exec(`DELETE FROM entries WHERE id = 2`)
	require.NoError(t, err)

	assert.ErrorIs(t, l.Verify(), ErrChainBroken)
}

func TestEmptyLogVerifies(t *testing.T) {
	l, _, _ := openLogForTest(t)
	require.NoError(t, l.Verify())
}

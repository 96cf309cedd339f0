package security

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSecretFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "secret.bin")

	require.NoError(t, WriteSecretFile(path, []byte("first")))
	require.NoError(t, WriteSecretFile(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, PermSecretFile, info.Mode().Perm())
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadSecureFileRejectsLoosePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not enforced on windows")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "secret.bin")
	require.NoError(t, WriteSecretFile(path, []byte("data")))
	require.NoError(t, os.Chmod(path, 0644))

	_, err := ReadSecureFile(path, 0)
	assert.ErrorIs(t, err, ErrInsecurePermissions)
}

func TestReadSecureFileSizeLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	require.NoError(t, WriteSecretFile(path, make([]byte, 1024)))

	_, err := ReadSecureFile(path, 512)
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestValidatePath(t *testing.T) {
	_, err := ValidatePath("")
	assert.ErrorIs(t, err, ErrInvalidPath)

	abs, err := ValidatePath("relative/path")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(abs))
}

func TestEnsureSecureDirTightens(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not enforced on windows")
	}

	dir := filepath.Join(t.TempDir(), "keys")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, EnsureSecureDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, PermSecretDir, info.Mode().Perm())
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Wipe(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}

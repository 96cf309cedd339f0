package keystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultd/internal/scheme"
)

func newSoftwareManagerForTest(t *testing.T) *SoftwareManager {
	t.Helper()
	dir := t.TempDir()
	kek, err := NewMachineKEK(dir)
	require.NoError(t, err)
	return NewSoftwareManager(dir, kek)
}

func newFallbackManagerForTest(t *testing.T) *FallbackManager {
	t.Helper()
	dir := t.TempDir()
	kek, err := NewMachineKEK(dir)
	require.NoError(t, err)
	return NewFallbackManager(dir, kek)
}

// decryptAll drives a session through the full authorization dance the
// presence gate performs: grant, absorb the first-use authentication
// demand, and retry.
func decryptAll(t *testing.T, m Manager, alias string, ct []byte) ([]byte, error) {
	t.Helper()
	sess, err := m.BeginDecrypt(context.Background(), alias, ct)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	sess.Grant()
	pt, err := sess.Decrypt()
	if err == ErrUserNotAuthenticated {
		sess.MarkUnlocked()
		sess.Grant()
		pt, err = sess.Decrypt()
	}
	return pt, err
}

func TestSoftwareRoundTrip(t *testing.T) {
	m := newSoftwareManagerForTest(t)
	ctx := context.Background()

	require.NoError(t, m.GenerateKeyPair(ctx, "alias", false))

	has, err := m.HasKey(ctx, "alias")
	require.NoError(t, err)
	assert.True(t, has)

	plaintext := []byte("the quick brown fox")
	ct, err := m.Encrypt(ctx, "alias", plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ct)

	pt, err := decryptAll(t, m, "alias", ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestSoftwareFirstDecryptDemandsAuthentication(t *testing.T) {
	m := newSoftwareManagerForTest(t)
	ctx := context.Background()

	require.NoError(t, m.GenerateKeyPair(ctx, "alias", false))
	ct, err := m.Encrypt(ctx, "alias", []byte("secret"))
	require.NoError(t, err)

	sess, err := m.BeginDecrypt(ctx, "alias", ct)
	require.NoError(t, err)
	defer sess.Close()

	// Granted but the fresh key has never seen an authentication.
	sess.Grant()
	_, err = sess.Decrypt()
	assert.ErrorIs(t, err, ErrUserNotAuthenticated)

	// The failed attempt consumed the grant.
	_, err = sess.Decrypt()
	assert.ErrorIs(t, err, ErrNotGranted)

	sess.MarkUnlocked()
	sess.Grant()
	pt, err := sess.Decrypt()
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)
}

func TestSoftwareUnlockPersistsAcrossSessions(t *testing.T) {
	m := newSoftwareManagerForTest(t)
	ctx := context.Background()

	require.NoError(t, m.GenerateKeyPair(ctx, "alias", false))
	ct, err := m.Encrypt(ctx, "alias", []byte("secret"))
	require.NoError(t, err)

	_, err = decryptAll(t, m, "alias", ct)
	require.NoError(t, err)

	// A later session no longer needs the unlock step.
	sess, err := m.BeginDecrypt(ctx, "alias", ct)
	require.NoError(t, err)
	defer sess.Close()
	sess.Grant()
	pt, err := sess.Decrypt()
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)
}

func TestSoftwareDecryptWithoutGrant(t *testing.T) {
	m := newSoftwareManagerForTest(t)
	ctx := context.Background()

	require.NoError(t, m.GenerateKeyPair(ctx, "alias", false))
	ct, err := m.Encrypt(ctx, "alias", []byte("secret"))
	require.NoError(t, err)

	sess, err := m.BeginDecrypt(ctx, "alias", ct)
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Decrypt()
	assert.ErrorIs(t, err, ErrNotGranted)
}

func TestSoftwareGenerateIsIdempotentWithoutOverwrite(t *testing.T) {
	m := newSoftwareManagerForTest(t)
	ctx := context.Background()

	require.NoError(t, m.GenerateKeyPair(ctx, "alias", false))
	ct, err := m.Encrypt(ctx, "alias", []byte("before"))
	require.NoError(t, err)

	// Second generation without overwrite must keep old data readable.
	require.NoError(t, m.GenerateKeyPair(ctx, "alias", false))
	pt, err := decryptAll(t, m, "alias", ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), pt)
}

func TestSoftwareOverwriteDestroysOldKey(t *testing.T) {
	m := newSoftwareManagerForTest(t)
	ctx := context.Background()

	require.NoError(t, m.GenerateKeyPair(ctx, "alias", false))
	ct, err := m.Encrypt(ctx, "alias", []byte("before"))
	require.NoError(t, err)

	require.NoError(t, m.GenerateKeyPair(ctx, "alias", true))
	_, err = decryptAll(t, m, "alias", ct)
	assert.Error(t, err)
}

func TestSoftwareMalformedCiphertext(t *testing.T) {
	m := newSoftwareManagerForTest(t)
	ctx := context.Background()
	require.NoError(t, m.GenerateKeyPair(ctx, "alias", false))

	_, err := m.BeginDecrypt(ctx, "alias", []byte("short"))
	assert.ErrorIs(t, err, ErrMalformedCiphertext)
}

func TestSoftwareTamperedCiphertext(t *testing.T) {
	m := newSoftwareManagerForTest(t)
	ctx := context.Background()
	require.NoError(t, m.GenerateKeyPair(ctx, "alias", false))

	ct, err := m.Encrypt(ctx, "alias", []byte("secret"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0x01

	_, err = decryptAll(t, m, "alias", ct)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSoftwareDecryptMissingKey(t *testing.T) {
	m := newSoftwareManagerForTest(t)
	_, err := m.BeginDecrypt(context.Background(), "nope", make([]byte, 512))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSoftwareDeleteKey(t *testing.T) {
	m := newSoftwareManagerForTest(t)
	ctx := context.Background()

	require.NoError(t, m.GenerateKeyPair(ctx, "alias", false))
	require.NoError(t, m.DeleteKey(ctx, "alias"))

	has, err := m.HasKey(ctx, "alias")
	require.NoError(t, err)
	assert.False(t, has)

	// Deleting a missing key is not an error.
	require.NoError(t, m.DeleteKey(ctx, "alias"))
}

func TestFallbackRoundTrip(t *testing.T) {
	m := newFallbackManagerForTest(t)
	ctx := context.Background()

	require.NoError(t, m.GenerateKeyPair(ctx, "alias", false))

	plaintext := []byte("fallback data")
	ct, err := m.Encrypt(ctx, "alias", plaintext)
	require.NoError(t, err)

	// Fallback keys carry no user-auth binding: one grant suffices.
	sess, err := m.BeginDecrypt(ctx, "alias", ct)
	require.NoError(t, err)
	defer sess.Close()
	sess.Grant()
	pt, err := sess.Decrypt()
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestFallbackTamperedCiphertext(t *testing.T) {
	m := newFallbackManagerForTest(t)
	ctx := context.Background()
	require.NoError(t, m.GenerateKeyPair(ctx, "alias", false))

	ct, err := m.Encrypt(ctx, "alias", []byte("secret"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0x01

	sess, err := m.BeginDecrypt(ctx, "alias", ct)
	require.NoError(t, err)
	defer sess.Close()
	sess.Grant()
	_, err = sess.Decrypt()
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSessionCloseRunsCleanup(t *testing.T) {
	released := 0
	sess := &DecryptSession{cleanup: func() { released++ }}

	sess.Close()
	assert.Equal(t, 1, released)

	// Closing again must not release twice.
	sess.Close()
	assert.Equal(t, 1, released)

	_, err := sess.Decrypt()
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestFallbackAbandonedSessionWipesKey(t *testing.T) {
	m := newFallbackManagerForTest(t)
	ctx := context.Background()

	require.NoError(t, m.GenerateKeyPair(ctx, "alias", false))
	ct, err := m.Encrypt(ctx, "alias", []byte("secret"))
	require.NoError(t, err)

	// Open a session and walk away without decrypting.
	sess, err := m.BeginDecrypt(ctx, "alias", ct)
	require.NoError(t, err)
	sess.Close()

	// A closed session never decrypts, and the alias stays usable for
	// fresh sessions.
	sess.Grant()
	_, err = sess.Decrypt()
	assert.ErrorIs(t, err, ErrSessionClosed)

	sess2, err := m.BeginDecrypt(ctx, "alias", ct)
	require.NoError(t, err)
	defer sess2.Close()
	sess2.Grant()
	pt, err := sess2.Decrypt()
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)
}

func TestMachineKEKWrapUnwrap(t *testing.T) {
	dir := t.TempDir()
	kek, err := NewMachineKEK(dir)
	require.NoError(t, err)

	secret := []byte("wrapped secret material")
	wrapped, err := kek.Wrap("test/label", secret)
	require.NoError(t, err)
	assert.NotEqual(t, secret, wrapped)

	got, err := kek.Unwrap("test/label", wrapped)
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	// A different label derives a different key.
	_, err = kek.Unwrap("other/label", wrapped)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	// The seed persists, so a new KEK instance can unwrap.
	kek2, err := NewMachineKEK(dir)
	require.NoError(t, err)
	got2, err := kek2.Unwrap("test/label", wrapped)
	require.NoError(t, err)
	assert.Equal(t, secret, got2)
}

func TestPKCS7(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 31, 32} {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i)
		}
		padded := pkcs7Pad(data, 16)
		assert.Zero(t, len(padded)%16, "length %d", n)
		got, err := pkcs7Unpad(padded, 16)
		require.NoError(t, err, "length %d", n)
		assert.Equal(t, data, got, "length %d", n)
	}

	_, err := pkcs7Unpad([]byte{}, 16)
	assert.ErrorIs(t, err, ErrMalformedCiphertext)

	bad := pkcs7Pad([]byte("data"), 16)
	bad[len(bad)-1] = 0xFF
	_, err = pkcs7Unpad(bad, 16)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEncryptMissingKey(t *testing.T) {
	m := newSoftwareManagerForTest(t)
	_, err := m.Encrypt(context.Background(), "missing", []byte("x"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFactoryAndDefaultSchemes(t *testing.T) {
	env := &scheme.Environment{KeyDir: t.TempDir()}
	factory, err := NewFactory(env)
	require.NoError(t, err)
	defer factory.Close()

	r := scheme.NewRegistry(nil)
	require.NoError(t, RegisterDefaultSchemes(r, factory))
	assert.Equal(t, []string{
		SchemeTPMHybridRSA,
		SchemeSoftwareHybridRSA,
		SchemeFallbackAES,
		SchemeHybridEC,
	}, r.Names())

	// Factory caches managers per scheme.
	m1, err := factory.Manager(SchemeSoftwareHybridRSA)
	require.NoError(t, err)
	m2, err := factory.Manager(SchemeSoftwareHybridRSA)
	require.NoError(t, err)
	assert.Same(t, m1, m2)

	_, err = factory.Manager("bogus")
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultd/internal/keystore"
	"vaultd/internal/scheme"
)

func newSessionForTest(t *testing.T, plaintext []byte) (keystore.Manager, []byte) {
	t.Helper()
	env := &scheme.Environment{KeyDir: t.TempDir()}
	factory, err := keystore.NewFactory(env)
	require.NoError(t, err)
	t.Cleanup(func() { factory.Close() })

	m, err := factory.Manager(keystore.SchemeSoftwareHybridRSA)
	require.NoError(t, err)
	require.NoError(t, m.GenerateKeyPair(context.Background(), "alias", false))
	ct, err := m.Encrypt(context.Background(), "alias", plaintext)
	require.NoError(t, err)
	return m, ct
}

func TestAuthorizeFreshKeyPromptsTwice(t *testing.T) {
	m, ct := newSessionForTest(t, []byte("secret"))
	verifier := NewScriptedVerifier()
	gate := NewGate(DefaultGateConfig(), verifier)

	sess, err := m.BeginDecrypt(context.Background(), "alias", ct)
	require.NoError(t, err)
	defer sess.Close()

	pt, err := gate.Authorize(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)

	// Fresh key: key-bound prompt, presence-only unlock prompt, then a
	// second key-bound prompt.
	prompts := verifier.Prompts()
	require.Len(t, prompts, 3)
	assert.True(t, prompts[0].KeyBound)
	assert.False(t, prompts[1].KeyBound)
	assert.True(t, prompts[2].KeyBound)
	assert.Equal(t, PromptTitle, prompts[0].Title)
	assert.Equal(t, PromptSubtitle, prompts[0].Subtitle)
	assert.Equal(t, PromptNegative, prompts[0].Negative)
}

func TestAuthorizeUnlockedKeyPromptsOnce(t *testing.T) {
	m, ct := newSessionForTest(t, []byte("secret"))
	verifier := NewScriptedVerifier()
	gate := NewGate(DefaultGateConfig(), verifier)

	sess, err := m.BeginDecrypt(context.Background(), "alias", ct)
	require.NoError(t, err)
	_, err = gate.Authorize(context.Background(), sess)
	require.NoError(t, err)
	sess.Close()

	// The alias is unlocked now; a second decrypt takes one prompt.
	sess2, err := m.BeginDecrypt(context.Background(), "alias", ct)
	require.NoError(t, err)
	defer sess2.Close()
	pt, err := gate.Authorize(context.Background(), sess2)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)
	assert.Len(t, verifier.Prompts(), 4)
}

func TestAuthorizeRetriesMismatches(t *testing.T) {
	m, ct := newSessionForTest(t, []byte("secret"))
	// Two mismatches, then the script is exhausted and matches.
	verifier := NewScriptedVerifier(Outcome{}, Outcome{})
	gate := NewGate(DefaultGateConfig(), verifier)

	sess, err := m.BeginDecrypt(context.Background(), "alias", ct)
	require.NoError(t, err)
	defer sess.Close()

	pt, err := gate.Authorize(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)

	prompts := verifier.Prompts()
	assert.Equal(t, 1, prompts[0].Attempt)
	assert.Equal(t, 2, prompts[1].Attempt)
	assert.Equal(t, 3, prompts[2].Attempt)
}

func TestAuthorizeExhaustsAttempts(t *testing.T) {
	m, ct := newSessionForTest(t, []byte("secret"))
	verifier := NewScriptedVerifier(Outcome{}, Outcome{}, Outcome{})
	gate := NewGate(DefaultGateConfig(), verifier)

	sess, err := m.BeginDecrypt(context.Background(), "alias", ct)
	require.NoError(t, err)
	defer sess.Close()

	_, err = gate.Authorize(context.Background(), sess)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	// Exactly MaxAttempts prompts were shown, and exhaustion ends the
	// session as cancelled rather than offering another prompt.
	assert.Len(t, verifier.Prompts(), DefaultMaxAttempts)
	assert.Equal(t, StateCancelled, gate.State())
}

func TestAuthorizeCancelled(t *testing.T) {
	m, ct := newSessionForTest(t, []byte("secret"))
	verifier := NewScriptedVerifier(Outcome{Cancelled: true})
	gate := NewGate(DefaultGateConfig(), verifier)

	sess, err := m.BeginDecrypt(context.Background(), "alias", ct)
	require.NoError(t, err)
	defer sess.Close()

	_, err = gate.Authorize(context.Background(), sess)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Len(t, verifier.Prompts(), 1)
	assert.Equal(t, StateCancelled, gate.State())
}

func TestVerifyPresenceStandalone(t *testing.T) {
	verifier := NewScriptedVerifier()
	gate := NewGate(DefaultGateConfig(), verifier)

	require.NoError(t, gate.VerifyPresence(context.Background()))
	prompts := verifier.Prompts()
	require.Len(t, prompts, 1)
	assert.False(t, prompts[0].KeyBound)
}

func TestVerifyPresenceNoVerifier(t *testing.T) {
	gate := NewGate(DefaultGateConfig(), nil)
	assert.ErrorIs(t, gate.VerifyPresence(context.Background()), ErrNoVerifier)
}

func TestPromptsSerialized(t *testing.T) {
	verifier := NewScriptedVerifier()
	gate := NewGate(DefaultGateConfig(), verifier)

	const n = 8
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			done <- gate.VerifyPresence(context.Background())
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-done)
	}
	assert.Len(t, verifier.Prompts(), n)
}

func TestPromptTimeoutCountsAsCancel(t *testing.T) {
	verifier := &blockingVerifier{release: make(chan struct{})}
	cfg := DefaultGateConfig()
	cfg.PromptTimeout = 50 * time.Millisecond
	gate := NewGate(cfg, verifier)

	err := gate.VerifyPresence(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
}

// blockingVerifier blocks until its context expires.
type blockingVerifier struct {
	release chan struct{}
}

func (v *blockingVerifier) Verify(ctx context.Context, prompt Prompt) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, nil
	case <-v.release:
		return Outcome{Match: true}, nil
	}
}

func (v *blockingVerifier) Cancel()                                    {}
func (v *blockingVerifier) Enrolled(ctx context.Context) (bool, error) { return true, nil }
func (v *blockingVerifier) Close() error                               { return nil }

func TestCancelActiveUnblocksPrompt(t *testing.T) {
	verifier := &blockingVerifier{release: make(chan struct{})}
	gate := NewGate(DefaultGateConfig(), verifier)

	done := make(chan error, 1)
	go func() {
		done <- gate.VerifyPresence(context.Background())
	}()

	// Wait for the prompt to be on screen, then cancel it. Standalone
	// presence prompts carry no alias.
	require.Eventually(t, func() bool {
		return gate.State() == StatePrompting
	}, time.Second, 5*time.Millisecond)

	gate.CancelActive("")
	err := <-done
	assert.Error(t, err)
}

func TestCancelActiveIgnoresOtherAlias(t *testing.T) {
	m, ct := newSessionForTest(t, []byte("secret"))
	verifier := &blockingVerifier{release: make(chan struct{})}
	gate := NewGate(DefaultGateConfig(), verifier)

	sess, err := m.BeginDecrypt(context.Background(), "alias", ct)
	require.NoError(t, err)
	defer sess.Close()

	done := make(chan error, 1)
	go func() {
		_, err := gate.Authorize(context.Background(), sess)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return gate.State() == StatePrompting
	}, time.Second, 5*time.Millisecond)

	// A cancel for some other key must not tear down this prompt.
	gate.CancelActive("other")
	assert.Equal(t, StatePrompting, gate.State())

	gate.CancelActive("alias")
	assert.ErrorIs(t, <-done, ErrCancelled)
}

func TestCancelAllAbortsAnyPrompt(t *testing.T) {
	m, ct := newSessionForTest(t, []byte("secret"))
	verifier := &blockingVerifier{release: make(chan struct{})}
	gate := NewGate(DefaultGateConfig(), verifier)

	sess, err := m.BeginDecrypt(context.Background(), "alias", ct)
	require.NoError(t, err)
	defer sess.Close()

	done := make(chan error, 1)
	go func() {
		_, err := gate.Authorize(context.Background(), sess)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return gate.State() == StatePrompting
	}, time.Second, 5*time.Millisecond)

	gate.CancelAll()
	assert.ErrorIs(t, <-done, ErrCancelled)
}

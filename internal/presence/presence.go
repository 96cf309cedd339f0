// Package presence gates decryption behind proof that the user is
// physically present.
//
// Every decrypt request runs through the Gate: it prompts the user via
// the configured verifier (fingerprint reader or graphical agent),
// allows a bounded number of mismatched attempts, and only then grants
// the pending decrypt session. Keys that additionally demand a fresh
// authentication on first use trigger a second, presence-only prompt
// followed by a re-issued key-bound prompt, so the user may be asked
// twice for a single decryption. Prompts are globally serialized; a
// request that arrives while another prompt is on screen waits its
// turn.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vaultd/internal/keystore"
	"vaultd/internal/logging"
)

// Prompt wording shown for decrypt authorization.
const (
	PromptTitle    = "Decrypt Data"
	PromptSubtitle = "Decrypt your protected data"
	PromptNegative = "Cancel"
)

// DefaultMaxAttempts is how many mismatched verifications are tolerated
// before the request fails.
const DefaultMaxAttempts = 3

// Package errors.
var (
	ErrCancelled        = errors.New("presence: verification cancelled by user")
	ErrRetriesExhausted = errors.New("presence: verification attempts exhausted")
	ErrNoVerifier       = errors.New("presence: no verifier configured")
	ErrNotEnrolled      = errors.New("presence: no enrolled credentials")
)

// AuthenticationFailureError reports a verification that failed after
// the full attempt budget.
type AuthenticationFailureError struct {
	Attempts int
}

func (e *AuthenticationFailureError) Error() string {
	return fmt.Sprintf("presence: authentication failed after %d attempts", e.Attempts)
}

// State describes what the gate is currently doing.
type State int

const (
	StateIdle State = iota
	StatePrompting
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrompting:
		return "prompting"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config controls gate behavior.
type Config struct {
	// MaxAttempts bounds mismatched verifications per request.
	MaxAttempts int

	// PromptTimeout bounds how long a single prompt may stay open.
	PromptTimeout time.Duration
}

// DefaultGateConfig returns the standard gate configuration.
func DefaultGateConfig() Config {
	return Config{
		MaxAttempts:   DefaultMaxAttempts,
		PromptTimeout: 60 * time.Second,
	}
}

// Gate serializes user-presence prompts and drives decrypt
// authorization.
type Gate struct {
	config   Config
	verifier Verifier
	logger   *slog.Logger

	// promptMu enforces one prompt on screen at a time.
	promptMu sync.Mutex

	mu     sync.Mutex
	state  State
	owner  string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGate creates a gate in front of the given verifier.
func NewGate(config Config, verifier Verifier) *Gate {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.PromptTimeout <= 0 {
		config.PromptTimeout = 60 * time.Second
	}
	return &Gate{
		config:   config,
		verifier: verifier,
		logger:   logging.Default().WithComponent("presence").Logger,
		state:    StateIdle,
	}
}

// State returns the gate's current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// CancelActive aborts the prompt currently on screen when it belongs to
// alias, and waits until the owning request has observed the
// cancellation. A prompt for a different alias is left alone; a request
// still queued for its turn must be cancelled through its own context.
// Standalone presence checks carry no alias and are cancelled with "".
func (g *Gate) CancelActive(alias string) {
	g.mu.Lock()
	if g.cancel == nil || g.owner != alias {
		g.mu.Unlock()
		return
	}
	cancel := g.cancel
	done := g.done
	g.mu.Unlock()

	g.verifier.Cancel()
	cancel()
	if done != nil {
		<-done
	}
}

// CancelAll aborts whatever prompt is on screen, regardless of owner.
// Used at daemon shutdown.
func (g *Gate) CancelAll() {
	g.mu.Lock()
	cancel := g.cancel
	done := g.done
	g.mu.Unlock()

	if cancel == nil {
		return
	}
	g.verifier.Cancel()
	cancel()
	if done != nil {
		<-done
	}
}

// Authorize runs the full decrypt authorization flow for session and
// returns the plaintext on success.
//
// Mismatched verifications are retried up to MaxAttempts; running out
// of attempts or an explicit cancel aborts the request. When the key
// demands a fresh authentication on first use, the user is prompted a
// second time (presence-only), the alias is unlocked, and a key-bound
// prompt is issued again before the decrypt is retried once.
func (g *Gate) Authorize(ctx context.Context, session *keystore.DecryptSession) ([]byte, error) {
	if g.verifier == nil {
		return nil, ErrNoVerifier
	}

	g.promptMu.Lock()
	defer g.promptMu.Unlock()

	alias := session.Alias()
	if err := g.verifyLoop(ctx, g.decryptPrompt(alias)); err != nil {
		return nil, err
	}

	session.Grant()
	plaintext, err := session.Decrypt()
	if !errors.Is(err, keystore.ErrUserNotAuthenticated) {
		g.finish(err == nil)
		return plaintext, err
	}

	// The key wants a fresh authentication before first use. Prove
	// presence on its own, unlock the alias, then run the key-bound
	// prompt again.
	g.logger.Info("key demands fresh authentication", "alias", logging.Digest(alias))
	if err := g.verifyLoop(ctx, g.unlockPrompt(alias)); err != nil {
		return nil, err
	}
	session.MarkUnlocked()

	if err := g.verifyLoop(ctx, g.decryptPrompt(alias)); err != nil {
		return nil, err
	}
	session.Grant()
	plaintext, err = session.Decrypt()
	g.finish(err == nil)
	return plaintext, err
}

// Enrolled reports whether the configured verifier has credentials to
// verify against.
func (g *Gate) Enrolled(ctx context.Context) (bool, error) {
	if g.verifier == nil {
		return false, ErrNoVerifier
	}
	return g.verifier.Enrolled(ctx)
}

// VerifyPresence runs a standalone presence check with no key bound to
// it.
func (g *Gate) VerifyPresence(ctx context.Context) error {
	if g.verifier == nil {
		return ErrNoVerifier
	}
	g.promptMu.Lock()
	defer g.promptMu.Unlock()

	err := g.verifyLoop(ctx, Prompt{
		Title:       PromptTitle,
		Subtitle:    "Confirm your presence",
		Negative:    PromptNegative,
		MaxAttempts: g.config.MaxAttempts,
	})
	return err
}

// verifyLoop drives one prompt through its attempt budget.
func (g *Gate) verifyLoop(ctx context.Context, prompt Prompt) error {
	for attempt := 1; attempt <= g.config.MaxAttempts; attempt++ {
		prompt.Attempt = attempt

		outcome, err := g.runPrompt(ctx, prompt)
		if err != nil {
			g.setState(StateFailed)
			return err
		}
		if outcome.Cancelled {
			g.setState(StateCancelled)
			g.logger.Info("verification cancelled", "attempt", attempt)
			return ErrCancelled
		}
		if outcome.Match {
			g.setState(StateSucceeded)
			return nil
		}
		g.logger.Warn("verification mismatch", "attempt", attempt, "max", g.config.MaxAttempts)
	}

	// Running out of attempts ends the session the same way a user
	// cancel does: no further prompt is offered.
	g.setState(StateCancelled)
	return fmt.Errorf("%w: %v", ErrRetriesExhausted,
		&AuthenticationFailureError{Attempts: g.config.MaxAttempts})
}

// runPrompt shows a single prompt and waits for its outcome.
func (g *Gate) runPrompt(ctx context.Context, prompt Prompt) (Outcome, error) {
	promptCtx, cancel := context.WithTimeout(ctx, g.config.PromptTimeout)
	done := make(chan struct{})

	g.mu.Lock()
	g.state = StatePrompting
	g.owner = prompt.Alias
	g.cancel = cancel
	g.done = done
	g.mu.Unlock()

	defer func() {
		cancel()
		g.mu.Lock()
		g.owner = ""
		g.cancel = nil
		g.done = nil
		g.mu.Unlock()
		close(done)
	}()

	outcome, err := g.verifier.Verify(promptCtx, prompt)
	if promptCtx.Err() != nil && !outcome.Cancelled {
		// Timeout or external cancel counts as a user cancel.
		return Outcome{Cancelled: true}, nil
	}
	return outcome, err
}

func (g *Gate) decryptPrompt(alias string) Prompt {
	return Prompt{
		Title:       PromptTitle,
		Subtitle:    PromptSubtitle,
		Negative:    PromptNegative,
		MaxAttempts: g.config.MaxAttempts,
		KeyBound:    true,
		Alias:       alias,
	}
}

func (g *Gate) unlockPrompt(alias string) Prompt {
	return Prompt{
		Title:       PromptTitle,
		Subtitle:    "Authenticate to unlock your key",
		Negative:    PromptNegative,
		MaxAttempts: g.config.MaxAttempts,
		Alias:       alias,
	}
}

func (g *Gate) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

func (g *Gate) finish(ok bool) {
	if ok {
		g.setState(StateSucceeded)
	} else {
		g.setState(StateFailed)
	}
}

package presence

import (
	"context"
	"sync"
)

// Prompt describes one verification request shown to the user.
type Prompt struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
	Negative string `json:"negative"`

	// Attempt and MaxAttempts let the UI show progress ("2 of 3").
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`

	// KeyBound marks prompts that authorize use of a specific key as
	// opposed to a bare presence check.
	KeyBound bool   `json:"key_bound"`
	Alias    string `json:"alias,omitempty"`
}

// Outcome is the result of one verification attempt.
type Outcome struct {
	// Match is true when the user verified successfully.
	Match bool

	// Cancelled is true when the user dismissed the prompt.
	Cancelled bool
}

// Verifier performs a single user-presence verification. Verify blocks
// until the user responds, the context expires, or Cancel is called
// from another goroutine.
type Verifier interface {
	// Verify shows the prompt and reports the outcome. A mismatch is
	// not an error; errors mean the verification machinery itself
	// failed.
	Verify(ctx context.Context, prompt Prompt) (Outcome, error)

	// Cancel aborts an in-flight Verify.
	Cancel()

	// Enrolled reports whether the user has credentials to verify
	// against.
	Enrolled(ctx context.Context) (bool, error)

	// Close releases verifier resources.
	Close() error
}

// ScriptedVerifier replays a fixed sequence of outcomes. It exists for
// tests and for the "none" verifier mode, where every prompt succeeds
// immediately.
type ScriptedVerifier struct {
	mu       sync.Mutex
	script   []Outcome
	next     int
	prompts  []Prompt
	enrolled bool
}

var _ Verifier = (*ScriptedVerifier)(nil)

// NewScriptedVerifier creates a verifier replaying the given outcomes.
// Once the script is exhausted every further attempt matches.
func NewScriptedVerifier(script ...Outcome) *ScriptedVerifier {
	return &ScriptedVerifier{script: script, enrolled: true}
}

func (v *ScriptedVerifier) Verify(ctx context.Context, prompt Prompt) (Outcome, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Outcome{Cancelled: true}, nil
	}

	v.prompts = append(v.prompts, prompt)
	if v.next < len(v.script) {
		out := v.script[v.next]
		v.next++
		return out, nil
	}
	return Outcome{Match: true}, nil
}

func (v *ScriptedVerifier) Cancel() {}

func (v *ScriptedVerifier) Enrolled(ctx context.Context) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.enrolled, nil
}

func (v *ScriptedVerifier) Close() error { return nil }

// Prompts returns every prompt shown so far.
func (v *ScriptedVerifier) Prompts() []Prompt {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Prompt, len(v.prompts))
	copy(out, v.prompts)
	return out
}

// SetEnrolled controls what Enrolled reports.
func (v *ScriptedVerifier) SetEnrolled(enrolled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enrolled = enrolled
}

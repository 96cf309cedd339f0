package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"vaultd/internal/logging"
)

// AgentVerifier delegates verification to an external prompt agent
// (normally vaultd-prompt). The prompt is written to the agent's stdin
// as JSON; the agent shows its window and writes a single JSON result
// to stdout when the user responds.
type AgentVerifier struct {
	agentPath string
	logger    *slog.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

var _ Verifier = (*AgentVerifier)(nil)

// agentResult is the agent's stdout payload.
type agentResult struct {
	Match     bool `json:"match"`
	Cancelled bool `json:"cancelled"`
}

// NewAgentVerifier creates a verifier that spawns the agent binary at
// agentPath for each prompt.
func NewAgentVerifier(agentPath string) *AgentVerifier {
	return &AgentVerifier{
		agentPath: agentPath,
		logger:    logging.Default().WithComponent("presence").With("verifier", "agent"),
	}
}

func (v *AgentVerifier) Verify(ctx context.Context, prompt Prompt) (Outcome, error) {
	input, err := json.Marshal(prompt)
	if err != nil {
		return Outcome{}, fmt.Errorf("presence: encode prompt: %w", err)
	}

	cmd := exec.CommandContext(ctx, v.agentPath)
	cmd.Stdin = bytes.NewReader(input)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	v.mu.Lock()
	v.cmd = cmd
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		v.cmd = nil
		v.mu.Unlock()
	}()

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Outcome{Cancelled: true}, nil
		}
		// A killed agent means the prompt was dismissed, not broken.
		if cmd.ProcessState != nil && !cmd.ProcessState.Exited() {
			return Outcome{Cancelled: true}, nil
		}
		return Outcome{}, fmt.Errorf("presence: prompt agent: %w", err)
	}

	var result agentResult
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &result); err != nil {
		return Outcome{}, fmt.Errorf("presence: decode agent result: %w", err)
	}
	return Outcome{Match: result.Match, Cancelled: result.Cancelled}, nil
}

// Cancel kills the agent process; Verify reports the prompt as
// cancelled.
func (v *AgentVerifier) Cancel() {
	v.mu.Lock()
	cmd := v.cmd
	v.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
}

// Enrolled is always true for the agent: it authenticates by explicit
// user action, not stored credentials.
func (v *AgentVerifier) Enrolled(ctx context.Context) (bool, error) {
	return true, nil
}

func (v *AgentVerifier) Close() error {
	v.Cancel()
	return nil
}

package config

import (
	"fmt"
	"strings"
)

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates all validation failures found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "config: no errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns all problems found.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, c.Storage.validate()...)
	errs = append(errs, c.Keys.validate()...)
	errs = append(errs, c.Presence.validate()...)
	errs = append(errs, c.Logging.validate()...)
	errs = append(errs, c.IPC.validate()...)

	return errs
}

func (s *StorageConfig) validate() ValidationErrors {
	var errs ValidationErrors
	if s.BlobDir == "" {
		errs = append(errs, ValidationError{"storage.blob_dir", "must not be empty"})
	}
	if s.MaxBlobSize <= 0 {
		errs = append(errs, ValidationError{"storage.max_blob_size", "must be positive"})
	}
	return errs
}

func (k *KeysConfig) validate() ValidationErrors {
	var errs ValidationErrors
	if k.Namespace == "" {
		errs = append(errs, ValidationError{"keys.namespace", "must not be empty"})
	}
	if strings.ContainsAny(k.Namespace, "/\\") {
		errs = append(errs, ValidationError{"keys.namespace", "must not contain path separators"})
	}
	if k.DefaultAlias == "" {
		errs = append(errs, ValidationError{"keys.default_alias", "must not be empty"})
	}
	switch k.MinimumStrength {
	case "fallback", "weak", "strong":
	default:
		errs = append(errs, ValidationError{"keys.minimum_strength",
			fmt.Sprintf("unknown strength %q (want fallback, weak, or strong)", k.MinimumStrength)})
	}
	return errs
}

func (p *PresenceConfig) validate() ValidationErrors {
	var errs ValidationErrors
	if p.MaxAttempts < 1 {
		errs = append(errs, ValidationError{"presence.max_attempts", "must be at least 1"})
	}
	if p.PromptTimeoutSec < 1 {
		errs = append(errs, ValidationError{"presence.prompt_timeout_sec", "must be at least 1"})
	}
	switch p.Verifier {
	case "fprintd", "agent", "none":
	default:
		errs = append(errs, ValidationError{"presence.verifier",
			fmt.Sprintf("unknown verifier %q (want fprintd, agent, or none)", p.Verifier)})
	}
	if p.Verifier == "agent" && p.AgentPath == "" {
		errs = append(errs, ValidationError{"presence.agent_path", `required when verifier is "agent"`})
	}
	return errs
}

func (l *LoggingConfig) validate() ValidationErrors {
	var errs ValidationErrors
	switch l.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{"logging.level", fmt.Sprintf("unknown level %q", l.Level)})
	}
	switch l.Format {
	case "", "text", "json":
	default:
		errs = append(errs, ValidationError{"logging.format", fmt.Sprintf("unknown format %q", l.Format)})
	}
	return errs
}

func (i *IPCConfig) validate() ValidationErrors {
	var errs ValidationErrors
	if i.SocketPath == "" {
		errs = append(errs, ValidationError{"ipc.socket_path", "must not be empty"})
	}
	if i.ProbeTimeoutMs < 100 {
		errs = append(errs, ValidationError{"ipc.probe_timeout_ms", "must be at least 100"})
	}
	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{"ipc.max_connections", "must be at least 1"})
	}
	return errs
}

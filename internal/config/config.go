// Package config handles configuration loading, validation, and management
// for vaultd.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configuration for encrypted blob persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Keys configuration for hardware-backed key management.
	Keys KeysConfig `toml:"keys" json:"keys" yaml:"keys"`

	// Presence configuration for the biometric gate.
	Presence PresenceConfig `toml:"presence" json:"presence" yaml:"presence"`

	// Audit configuration for the tamper-evident event log.
	Audit AuditConfig `toml:"audit" json:"audit" yaml:"audit"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configuration for the client bridge.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`
}

// StorageConfig holds encrypted blob store configuration.
type StorageConfig struct {
	// BlobDir is the directory holding ciphertext blobs and their backups.
	BlobDir string `toml:"blob_dir" json:"blob_dir" yaml:"blob_dir"`

	// MaxBlobSize is the maximum plaintext size accepted for one store, in bytes.
	MaxBlobSize int64 `toml:"max_blob_size" json:"max_blob_size" yaml:"max_blob_size"`

	// WatchIntegrity enables the filesystem watcher that flags blob
	// modifications not made by the daemon.
	WatchIntegrity bool `toml:"watch_integrity" json:"watch_integrity" yaml:"watch_integrity"`
}

// KeysConfig holds key management configuration.
type KeysConfig struct {
	// Namespace prefixes every named key alias (alias = "<namespace>.<name>").
	Namespace string `toml:"namespace" json:"namespace" yaml:"namespace"`

	// DefaultAlias is the alias used when an operation names no key.
	DefaultAlias string `toml:"default_alias" json:"default_alias" yaml:"default_alias"`

	// KeyDir is the directory for key context blobs and wrapped software keys.
	KeyDir string `toml:"key_dir" json:"key_dir" yaml:"key_dir"`

	// PinFile is where the selected scheme choice is pinned.
	PinFile string `toml:"pin_file" json:"pin_file" yaml:"pin_file"`

	// MinimumStrength is the lowest acceptable scheme strength:
	// "fallback", "weak", or "strong".
	MinimumStrength string `toml:"minimum_strength" json:"minimum_strength" yaml:"minimum_strength"`

	// RequireSecureScheme makes a device with no eligible scheme a fatal
	// condition instead of a degraded one.
	RequireSecureScheme bool `toml:"require_secure_scheme" json:"require_secure_scheme" yaml:"require_secure_scheme"`

	// TPMDevice overrides TPM device autodetection (Linux).
	TPMDevice string `toml:"tpm_device" json:"tpm_device" yaml:"tpm_device"`
}

// PresenceConfig holds biometric gate configuration.
type PresenceConfig struct {
	// MaxAttempts is the number of consecutive failed verifications before
	// the gate cancels the session.
	MaxAttempts int `toml:"max_attempts" json:"max_attempts" yaml:"max_attempts"`

	// PromptTimeoutSec bounds how long one prompt may stay on screen.
	PromptTimeoutSec int `toml:"prompt_timeout_sec" json:"prompt_timeout_sec" yaml:"prompt_timeout_sec"`

	// Verifier selects the presence backend: "fprintd", "agent", or "none".
	Verifier string `toml:"verifier" json:"verifier" yaml:"verifier"`

	// AgentPath is the path to the prompt agent binary when Verifier is "agent".
	AgentPath string `toml:"agent_path" json:"agent_path" yaml:"agent_path"`
}

// AuditConfig holds audit log configuration.
type AuditConfig struct {
	// Enabled controls whether key lifecycle events are recorded.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the audit database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// SecretPath is the file holding the HMAC chain secret.
	SecretPath string `toml:"secret_path" json:"secret_path" yaml:"secret_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `toml:"level" json:"level" yaml:"level"`
	Format   string `toml:"format" json:"format" yaml:"format"`
	Output   string `toml:"output" json:"output" yaml:"output"`
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// IPCConfig holds bridge socket configuration.
type IPCConfig struct {
	// SocketPath is the unix socket the daemon listens on.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// ProbeTimeoutMs is the client-side ping deadline in milliseconds.
	// A bridge that does not answer within it is treated as absent.
	ProbeTimeoutMs int `toml:"probe_timeout_ms" json:"probe_timeout_ms" yaml:"probe_timeout_ms"`

	// MaxConnections limits concurrent bridge clients.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
}

// DefaultConfig returns the default configuration for the current platform.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			BlobDir:        paths.BlobDir,
			MaxBlobSize:    8 * 1024 * 1024,
			WatchIntegrity: true,
		},
		Keys: KeysConfig{
			Namespace:           "vaultd",
			DefaultAlias:        "vaultd-default-private-key",
			KeyDir:              paths.KeyDir,
			PinFile:             paths.SchemePinFile,
			MinimumStrength:     "fallback",
			RequireSecureScheme: false,
		},
		Presence: PresenceConfig{
			MaxAttempts:      3,
			PromptTimeoutSec: 60,
			Verifier:         "fprintd",
		},
		Audit: AuditConfig{
			Enabled:    true,
			Path:       paths.AuditFile,
			SecretPath: paths.AuditSecretFile,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		IPC: IPCConfig{
			SocketPath:     paths.SocketPath,
			ProbeTimeoutMs: 1000,
			MaxConnections: 16,
		},
	}
}

// Load reads configuration from the given path, falling back to defaults
// when the path is empty or the file does not exist.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

// loadConfigFromFile decodes a config file based on its extension,
// falling back to autodetection when the extension is unknown.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		// Autodetect: try TOML first, then JSON, then YAML.
		if err = toml.Unmarshal(data, cfg); err != nil {
			cfg = DefaultConfig()
			if err = json.Unmarshal(data, cfg); err != nil {
				cfg = DefaultConfig()
				err = yaml.Unmarshal(data, cfg)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies VAULTD_* environment variables over the config.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("VAULTD_BLOB_DIR"); v != "" {
		c.Storage.BlobDir = v
	}
	if v := os.Getenv("VAULTD_KEY_DIR"); v != "" {
		c.Keys.KeyDir = v
	}
	if v := os.Getenv("VAULTD_PIN_FILE"); v != "" {
		c.Keys.PinFile = v
	}
	if v := os.Getenv("VAULTD_SOCKET"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("VAULTD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VAULTD_VERIFIER"); v != "" {
		c.Presence.Verifier = v
	}
	if v := os.Getenv("VAULTD_MIN_STRENGTH"); v != "" {
		c.Keys.MinimumStrength = v
	}
	if v := os.Getenv("VAULTD_REQUIRE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Keys.RequireSecureScheme = b
		}
	}
}

// EnsureDirectories creates all configured directories with secure permissions.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.BlobDir,
		c.Keys.KeyDir,
		filepath.Dir(c.Audit.Path),
		filepath.Dir(c.IPC.SocketPath),
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/vaultd/
//   - Linux:   ~/.local/share/vaultd/
//   - Windows: %APPDATA%\vaultd\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "vaultd")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "vaultd")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "vaultd")
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "vaultd")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "vaultd")
	}
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return PlatformDataDir()
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "vaultd")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "vaultd")
	}
}

// PlatformRuntimeDir returns the platform-specific runtime directory for
// the daemon socket.
func PlatformRuntimeDir() string {
	switch runtime.GOOS {
	case "windows":
		return "" // Windows uses named pipes.
	case "linux":
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "vaultd")
		}
		return filepath.Join("/tmp", fmt.Sprintf("vaultd-%d", os.Getuid()))
	default:
		return filepath.Join("/tmp", fmt.Sprintf("vaultd-%d", os.Getuid()))
	}
}

// DefaultPaths collects the default locations for everything the daemon
// persists.
type DefaultPaths struct {
	DataDir    string
	ConfigDir  string
	RuntimeDir string

	ConfigFile      string
	BlobDir         string
	KeyDir          string
	SchemePinFile   string
	AuditFile       string
	AuditSecretFile string
	SocketPath      string
	PIDFile         string
}

// GetDefaultPaths returns all default paths for the current platform.
func GetDefaultPaths() *DefaultPaths {
	dataDir := PlatformDataDir()
	configDir := PlatformConfigDir()
	runtimeDir := PlatformRuntimeDir()

	return &DefaultPaths{
		DataDir:    dataDir,
		ConfigDir:  configDir,
		RuntimeDir: runtimeDir,

		ConfigFile:      filepath.Join(configDir, "config.toml"),
		BlobDir:         filepath.Join(dataDir, "blobs"),
		KeyDir:          filepath.Join(dataDir, "keys"),
		SchemePinFile:   filepath.Join(dataDir, "scheme.json"),
		AuditFile:       filepath.Join(dataDir, "audit.db"),
		AuditSecretFile: filepath.Join(dataDir, "audit.secret"),
		SocketPath:      defaultSocketPath(runtimeDir),
		PIDFile:         filepath.Join(runtimeDir, "vaultd.pid"),
	}
}

func defaultSocketPath(runtimeDir string) string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\vaultd`
	}
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "vaultd.sock")
	}
	return "/tmp/vaultd.sock"
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches for a config file in standard locations and
// returns the first match, or empty string if none is found.
func FindConfigFile() string {
	paths := GetDefaultPaths()
	searchDirs := []string{".", paths.ConfigDir, paths.DataDir}

	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// HasTPMSupport returns true if the platform may have a TPM 2.0 device.
func HasTPMSupport() bool {
	switch runtime.GOOS {
	case "linux", "windows":
		return true
	default:
		return false
	}
}

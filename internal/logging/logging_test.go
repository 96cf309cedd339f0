package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	opts := &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}
	logger := slog.New(slog.NewTextHandler(&buf, opts))

	logger.Info("key generated", "auth_token", "supersecret", "alias", "abc123")

	out := buf.String()
	assert.NotContains(t, out, "supersecret")
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, "abc123")
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"password", true},
		{"Plaintext", true},
		{"key_material", true},
		{"alias", false},
		{"store", false},
		{"scheme", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shouldRedact(tt.key), tt.key)
	}
}

func TestDigestStable(t *testing.T) {
	a := Digest("vaultd.credentials")
	b := Digest("vaultd.credentials")
	assert.Equal(t, a, b)
	assert.Len(t, a, 12)
	assert.NotEqual(t, a, Digest("vaultd.other"))
}

func TestFileOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = filepath.Join(dir, "vaultd.log")
	cfg.Format = FormatJSON

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info("daemon started", "socket", "/tmp/vaultd.sock")
	require.NoError(t, logger.Sync())
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "daemon started")
	assert.Contains(t, string(data), `"component":"vaultd"`)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown log level"))
}

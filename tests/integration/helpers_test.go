//go:build integration

// Package integration provides end-to-end tests for vaultd.
//
// Each test composes the real daemon core — key managers, presence
// gate, encrypted blob store, bridge — behind a real IPC server on a
// unix socket, and drives it through the client.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vaultd/internal/audit"
	"vaultd/internal/blobstore"
	"vaultd/internal/bridge"
	"vaultd/internal/config"
	"vaultd/internal/ipc"
	"vaultd/internal/keystore"
	"vaultd/internal/presence"
	"vaultd/internal/scheme"
)

// TestEnv is one fully composed daemon plus a connected client.
type TestEnv struct {
	T        *testing.T
	Cfg      *config.Config
	Factory  *keystore.Factory
	Manager  keystore.Manager
	Verifier *presence.ScriptedVerifier
	Gate     *presence.Gate
	Store    *blobstore.Store
	Auditor  *audit.Log
	Bridge   *bridge.Bridge
	Server   *ipc.Server
	Client   *ipc.Client

	Ctx    context.Context
	Cancel context.CancelFunc
}

// NewTestEnv composes a daemon on the software scheme and connects a
// client to it. The scripted verifier answers presence prompts; an
// empty script matches every prompt.
func NewTestEnv(t *testing.T, script ...presence.Outcome) *TestEnv {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	tempDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Keys.KeyDir = filepath.Join(tempDir, "keys")
	cfg.Storage.BlobDir = filepath.Join(tempDir, "blobs")
	cfg.Audit.Path = filepath.Join(tempDir, "audit.db")
	cfg.Audit.SecretPath = filepath.Join(tempDir, "audit.secret")
	cfg.IPC.SocketPath = filepath.Join(tempDir, "vaultd.sock")
	require.NoError(t, cfg.EnsureDirectories())

	env := &scheme.Environment{KeyDir: cfg.Keys.KeyDir}
	factory, err := keystore.NewFactory(env)
	require.NoError(t, err)

	manager, err := factory.Manager(keystore.SchemeSoftwareHybridRSA)
	require.NoError(t, err)

	verifier := presence.NewScriptedVerifier(script...)
	gate := presence.NewGate(presence.DefaultGateConfig(), verifier)

	choice := scheme.Choice{
		Scheme: &scheme.Descriptor{
			Name:     keystore.SchemeSoftwareHybridRSA,
			Strength: scheme.StrengthWeak,
			Metadata: func() map[string]any { return manager.Metadata() },
		},
		Warning: "no TPM device present",
	}

	cipher := bridge.NewKeystoreCipher(manager, gate, cfg.Keys.DefaultAlias)
	store, err := blobstore.New(cfg.Storage.BlobDir, cfg.Keys.Namespace, cipher)
	require.NoError(t, err)

	auditor, err := audit.Open(cfg.Audit.Path, cfg.Audit.SecretPath)
	require.NoError(t, err)

	handler := bridge.New(cfg, choice, manager, gate, store, auditor)

	server, err := ipc.NewServer(ipc.ServerConfig{
		SocketPath: cfg.IPC.SocketPath,
		Version:    "integration-test",
	}, handler)
	require.NoError(t, err)
	require.NoError(t, server.Start())

	clientCfg := ipc.DefaultClientConfig("")
	clientCfg.SocketPath = cfg.IPC.SocketPath
	clientCfg.PromptTimeout = 30 * time.Second
	client := ipc.NewClient(clientCfg)
	require.NoError(t, client.Connect())

	te := &TestEnv{
		T:        t,
		Cfg:      cfg,
		Factory:  factory,
		Manager:  manager,
		Verifier: verifier,
		Gate:     gate,
		Store:    store,
		Auditor:  auditor,
		Bridge:   handler,
		Server:   server,
		Client:   client,
		Ctx:      ctx,
		Cancel:   cancel,
	}
	t.Cleanup(te.Close)
	return te
}

// Close tears everything down in reverse composition order.
func (te *TestEnv) Close() {
	te.Client.Close()
	te.Server.Stop()
	te.Auditor.Close()
	te.Factory.Close()
	te.Cancel()
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vaultd/internal/audit"
	"vaultd/internal/blobstore"
	"vaultd/internal/bridge"
	"vaultd/internal/config"
	"vaultd/internal/ipc"
	"vaultd/internal/keystore"
	"vaultd/internal/logging"
	"vaultd/internal/presence"
	"vaultd/internal/scheme"
	"vaultd/internal/watcher"
)

// cmdInit creates the daemon's directories and a default config file.
func cmdInit() {
	configPath := parseConfigFlag(os.Args[2:])

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fatal("create directories: %v", err)
	}

	paths := config.GetDefaultPaths()
	if configPath == "" {
		configPath = paths.ConfigFile
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.Save(configPath); err != nil {
			fatal("write config: %v", err)
		}
		fmt.Printf("Wrote default configuration to %s\n", configPath)
	} else {
		fmt.Printf("Configuration already present at %s\n", configPath)
	}

	if cfg.Audit.Enabled {
		log, err := audit.Open(cfg.Audit.Path, cfg.Audit.SecretPath)
		if err != nil {
			fatal("initialize audit log: %v", err)
		}
		log.Close()
		fmt.Printf("Audit log ready at %s\n", cfg.Audit.Path)
	}

	fmt.Printf("Blob directory: %s\n", cfg.Storage.BlobDir)
	fmt.Printf("Key directory:  %s\n", cfg.Keys.KeyDir)
	fmt.Printf("Socket:         %s\n", cfg.IPC.SocketPath)
}

// cmdStatus prints the daemon's liveness and security posture.
func cmdStatus() {
	configPath := parseConfigFlag(os.Args[2:])
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("load config: %v", err)
	}

	client := ipc.NewClient(clientConfig(cfg))
	if err := client.Connect(); err != nil {
		fmt.Println("Daemon: not running")
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pong, err := client.Probe(ctx)
	if err != nil {
		fatal("probe: %v", err)
	}

	fmt.Println("Daemon: running")
	fmt.Printf("Scheme: %s\n", orNone(pong.DelegateScheme))
	fmt.Printf("Security status: %s\n", statusName(pong.HasEnhancedSecurity))
	if pong.SecurityWarning != "" {
		fmt.Printf("Warning: %s\n", pong.SecurityWarning)
	}
}

// cmdDaemon composes the storage core and serves the bridge until
// signalled.
func cmdDaemon() {
	configPath := parseConfigFlag(os.Args[2:])

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fatal("create directories: %v", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = parseLevel(cfg.Logging.Level)
	if cfg.Logging.Format == "json" {
		logCfg.Format = logging.FormatJSON
	}
	if cfg.Logging.Output != "" {
		logCfg.Output = cfg.Logging.Output
	}
	if cfg.Logging.FilePath != "" {
		logCfg.FilePath = cfg.Logging.FilePath
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		fatal("initialize logging: %v", err)
	}
	logging.SetDefault(logger)
	defer logger.Close()

	daemon, err := composeDaemon(cfg)
	if err != nil {
		fatal("%v", err)
	}
	defer daemon.Close()

	if err := daemon.server.Start(); err != nil {
		fatal("start server: %v", err)
	}
	logging.Info("vaultd started",
		"socket", daemon.server.SocketPath(),
		"scheme", daemon.schemeName(),
		"blob_dir", cfg.Storage.BlobDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logging.Info("shutting down", "signal", sig.String())
	case <-daemon.shutdownCh:
		logging.Info("shutting down", "signal", "client request")
	}

	daemon.server.Stop()
}

// daemon holds the composed core for teardown.
type daemon struct {
	cfg        *config.Config
	choice     scheme.Choice
	factory    *keystore.Factory
	gate       *presence.Gate
	server     *ipc.Server
	auditor    *audit.Log
	integrity  *watcher.Watcher
	shutdownCh chan struct{}
}

// composeDaemon wires config → registry → keystore → gate → blobstore →
// bridge → server, in dependency order.
func composeDaemon(cfg *config.Config) (*daemon, error) {
	d := &daemon{cfg: cfg, shutdownCh: make(chan struct{})}

	env := &scheme.Environment{
		KeyDir:    cfg.Keys.KeyDir,
		TPMDevice: cfg.Keys.TPMDevice,
	}

	factory, err := keystore.NewFactory(env)
	if err != nil {
		return nil, fmt.Errorf("initialize keystore: %w", err)
	}
	d.factory = factory

	registry := scheme.NewRegistry(scheme.NewPinStore(cfg.Keys.PinFile))
	if err := keystore.RegisterDefaultSchemes(registry, factory); err != nil {
		return nil, fmt.Errorf("register schemes: %w", err)
	}

	minimum, err := scheme.ParseStrength(cfg.Keys.MinimumStrength)
	if err != nil {
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	choice, err := registry.SelectBest(probeCtx, env, minimum)
	if err != nil {
		return nil, fmt.Errorf("select scheme: %w", err)
	}
	d.choice = choice

	if choice.Scheme == nil && cfg.Keys.RequireSecureScheme {
		return nil, &scheme.SecurityCompatibilityError{
			CompatibilityError: scheme.CompatibilityError{Reason: choice.Warning},
			Minimum:            minimum,
		}
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize presence verifier: %w", err)
	}
	d.gate = presence.NewGate(presence.Config{
		MaxAttempts:   cfg.Presence.MaxAttempts,
		PromptTimeout: time.Duration(cfg.Presence.PromptTimeoutSec) * time.Second,
	}, verifier)

	if cfg.Audit.Enabled {
		auditor, err := audit.Open(cfg.Audit.Path, cfg.Audit.SecretPath)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		d.auditor = auditor
	}

	var store *blobstore.Store
	var manager keystore.Manager
	if choice.Scheme != nil {
		manager, err = factory.Manager(choice.Scheme.Name)
		if err != nil {
			return nil, fmt.Errorf("build key manager: %w", err)
		}

		cipher := bridge.NewKeystoreCipher(manager, d.gate, cfg.Keys.DefaultAlias)
		store, err = blobstore.New(cfg.Storage.BlobDir, cfg.Keys.Namespace, cipher)
		if err != nil {
			return nil, err
		}
		store.SetMaxBlobSize(cfg.Storage.MaxBlobSize)

		if cfg.Storage.WatchIntegrity {
			if err := d.startIntegrityWatcher(store); err != nil {
				logging.Warn("integrity watcher unavailable", "error", err)
			}
		}
	}

	handler := bridge.New(cfg, choice, manager, d.gate, store, d.auditor)
	handler.SetShutdownFunc(func() { close(d.shutdownCh) })

	server, err := ipc.NewServer(ipc.ServerConfig{
		SocketPath:     cfg.IPC.SocketPath,
		Version:        version,
		MaxConnections: cfg.IPC.MaxConnections,
	}, handler)
	if err != nil {
		return nil, err
	}
	d.server = server
	return d, nil
}

// startIntegrityWatcher flags blob modifications the daemon did not
// make itself.
func (d *daemon) startIntegrityWatcher(store *blobstore.Store) error {
	w, err := watcher.New(store.Dir())
	if err != nil {
		return err
	}
	store.SetWriteObserver(w.Expect)
	if err := w.Start(); err != nil {
		w.Close()
		return err
	}
	d.integrity = w

	go func() {
		for ev := range w.Events() {
			logging.Warn("blob directory modified outside the daemon",
				"path", ev.Path, "op", ev.Op)
			if d.auditor != nil {
				d.auditor.Append(audit.OpExternalModification, ev.Path, ev.Op)
			}
		}
	}()
	return nil
}

// buildVerifier selects the presence backend from configuration.
func buildVerifier(cfg *config.Config) (presence.Verifier, error) {
	switch cfg.Presence.Verifier {
	case "fprintd":
		return presence.NewPlatformVerifier()
	case "agent":
		path := cfg.Presence.AgentPath
		if path == "" {
			path = "vaultd-prompt"
		}
		return presence.NewAgentVerifier(path), nil
	case "none":
		// Every prompt succeeds. For development only.
		return presence.NewScriptedVerifier(), nil
	default:
		return nil, fmt.Errorf("unknown presence verifier %q", cfg.Presence.Verifier)
	}
}

func (d *daemon) Close() {
	if d.integrity != nil {
		d.integrity.Close()
	}
	if d.auditor != nil {
		d.auditor.Close()
	}
	if d.gate != nil {
		d.gate.CancelAll()
	}
	if d.factory != nil {
		d.factory.Close()
	}
}

func (d *daemon) schemeName() string {
	if d.choice.Scheme == nil {
		return "none"
	}
	return d.choice.Scheme.Name
}

func clientConfig(cfg *config.Config) ipc.ClientConfig {
	cc := ipc.DefaultClientConfig("")
	cc.SocketPath = cfg.IPC.SocketPath
	cc.ClientName = "vaultd"
	cc.ProbeTimeout = time.Duration(cfg.IPC.ProbeTimeoutMs) * time.Millisecond
	return cc
}

func parseLevel(s string) logging.Level {
	level, err := logging.ParseLevel(s)
	if err != nil {
		return logging.LevelInfo
	}
	return level
}

func statusName(status int) string {
	switch status {
	case bridge.StatusAvailable:
		return "available"
	case bridge.StatusWarning:
		return "warning"
	case bridge.StatusError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", status)
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "vaultd: "+format+"\n", args...)
	os.Exit(1)
}

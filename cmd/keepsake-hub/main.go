// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Keepsake-hub is the coordinating daemon. It owns the SQLite state
// (nodes, jobs, runs, artifacts, tasks), listens for agent control
// channels, schedules backup runs, sweeps retention, and serves the
// operator HTTP API.
//
// On startup:
//  1. Opens the store and the encrypted credential vault.
//  2. Registers the hub's own execution slot and marks all other
//     nodes offline until they reconnect.
//  3. Reconciles declarative job files from jobs_dir, if configured.
//  4. Recovers runs orphaned by an unclean shutdown.
//  5. Starts the queue workers, cron scheduler, run pruner, retention
//     sweeper, agent channel listener, and HTTP API.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/keepsake-foundation/keepsake/executor"
	"github.com/keepsake-foundation/keepsake/httpapi"
	"github.com/keepsake-foundation/keepsake/jobdef"
	"github.com/keepsake-foundation/keepsake/lib/clock"
	"github.com/keepsake-foundation/keepsake/lib/config"
	"github.com/keepsake-foundation/keepsake/lib/httpserve"
	"github.com/keepsake-foundation/keepsake/lib/secret"
	"github.com/keepsake-foundation/keepsake/lib/version"
	"github.com/keepsake-foundation/keepsake/queue"
	"github.com/keepsake-foundation/keepsake/registry"
	"github.com/keepsake-foundation/keepsake/retention"
	"github.com/keepsake-foundation/keepsake/router"
	"github.com/keepsake-foundation/keepsake/scheduler"
	"github.com/keepsake-foundation/keepsake/snapshot"
	"github.com/keepsake-foundation/keepsake/store"
	"github.com/keepsake-foundation/keepsake/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flags := pflag.NewFlagSet("keepsake-hub", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "/etc/keepsake/hub.yaml", "path to the hub configuration file")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("keepsake-hub %s\n", version.Info())
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	logger.Info("starting keepsake-hub", "version", version.Short(), "data_dir", cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	clk := clock.Real()
	st, err := store.Open(store.Config{
		Path:     filepath.Join(cfg.DataDir, "keepsake.db"),
		PoolSize: 4,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	masterKey, err := loadMasterKey(filepath.Join(cfg.DataDir, "master.key"), logger)
	if err != nil {
		return err
	}
	vault, err := registry.NewVault(st, masterKey)
	if err != nil {
		return err
	}
	defer vault.Close()

	reg := registry.New(st, vault, logger)
	if err := reg.EnsureHubNode(ctx); err != nil {
		return err
	}
	// Agents reconnect and report back in; until then nothing
	// non-revoked is known to be reachable.
	if err := st.MarkAllNodesOffline(ctx); err != nil {
		return err
	}

	engine := queue.New(st, clk, logger, queue.Config{
		PollInterval:      cfg.Queue.PollInterval.Std(),
		BackoffBase:       cfg.Queue.BackoffBase.Std(),
		BackoffMultiplier: cfg.Queue.BackoffMultiplier,
		BackoffCap:        cfg.Queue.BackoffCap.Std(),
		MaxAttempts:       cfg.Queue.MaxAttempts,
		MaxTaskAge:        cfg.Queue.MaxTaskAge.Std(),
	})

	hub := transport.NewHub(reg, logger, transport.HubConfig{
		Listen:            cfg.Channel.Listen,
		HeartbeatInterval: cfg.Channel.HeartbeatInterval.Std(),
	})
	hubExecutor := executor.New(&executor.VaultSource{
		Vault:     vault,
		Namespace: registry.HubNodeID,
	}, clk, logger)
	route := router.New(hub, hubExecutor, logger)

	index := snapshot.New(st, engine, route, logger)
	sched := scheduler.New(st, index, engine, route, clk, logger, scheduler.Config{
		DispatchTimeout: cfg.Queue.DispatchTimeout.Std(),
		PruneAfter:      cfg.Runs.PruneAfter.Std(),
		PruneInterval:   cfg.Runs.PruneInterval.Std(),
	})
	progress := func(ctx context.Context, runID, note string) {
		if err := sched.ReportProgress(ctx, runID, note); err != nil {
			logger.Warn("recording run progress", "run", runID, "error", err)
		}
	}
	route.OnProgress(progress)
	hub.OnProgress(progress)

	ret := retention.New(st, index, clk, logger, retention.Config{
		TickInterval: cfg.Retention.TickInterval.Std(),
		Default:      cfg.Retention.Default,
	})

	if cfg.JobsDir != "" {
		definitions, err := jobdef.LoadDir(cfg.JobsDir)
		if err != nil {
			return err
		}
		if err := jobdef.Apply(ctx, sched, st, definitions, logger); err != nil {
			return err
		}
	}
	if err := sched.RecoverStuck(ctx); err != nil {
		return err
	}

	api := httpapi.New(st, reg, sched, index, ret, engine, logger)
	httpServer := httpserve.New(httpserve.Config{
		Address:         cfg.HTTP.Listen,
		Handler:         api.Handler(),
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout.Std(),
		Logger:          logger,
	})

	errs := make(chan error, 4)
	go func() { errs <- hub.Serve(ctx) }()
	go func() { errs <- httpServer.Serve(ctx) }()
	go func() { errs <- sched.Run(ctx) }()
	go func() { errs <- ret.Run(ctx) }()
	go sched.RunPruner(ctx)
	go engine.Run(ctx)

	logger.Info("keepsake-hub ready",
		"http", cfg.HTTP.Listen, "channel", cfg.Channel.Listen)

	var firstErr error
	remaining := 4
	select {
	case <-ctx.Done():
	case err := <-errs:
		remaining--
		// A cancellation error during shutdown is not a failure.
		if ctx.Err() == nil {
			firstErr = err
		}
		stop()
	}

	logger.Info("shutting down")
	for range remaining {
		<-errs
	}
	return firstErr
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}

// loadMasterKey reads the vault master key from path, generating and
// persisting a fresh one on first boot. The file holds the key
// hex-encoded with 0600 permissions.
func loadMasterKey(path string, logger *slog.Logger) (*secret.Buffer, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		raw := make([]byte, registry.KeySize)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generating master key: %w", err)
		}
		encoded := hex.EncodeToString(raw)
		secret.Zero(raw)
		if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("writing master key: %w", err)
		}
		logger.Info("generated vault master key", "path", path)
	}

	hexBuffer, err := secret.ReadFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("reading master key: %w", err)
	}
	defer hexBuffer.Close()

	raw, err := hex.DecodeString(hexBuffer.String())
	if err != nil {
		return nil, fmt.Errorf("master key in %s is not valid hex", path)
	}
	return secret.NewFromBytes(raw)
}

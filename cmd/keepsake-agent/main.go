// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Keepsake-agent runs on a backup source machine. It dials the hub's
// control channel, proves its enrollment secret, and executes the
// actions the hub sends: archiving a source directory into a bundle,
// streaming it to the job's target, and target maintenance.
//
// The agent holds no vault. Credentials for credential_ref targets
// arrive as a secret bundle sealed to the agent's age key, produced
// by the hub's distribute endpoint and carried to the agent out of
// band. Run with --keygen once to mint the keypair and publish the
// printed public key to the hub.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/keepsake-foundation/keepsake/executor"
	"github.com/keepsake-foundation/keepsake/lib/clock"
	"github.com/keepsake-foundation/keepsake/lib/sealed"
	"github.com/keepsake-foundation/keepsake/lib/secret"
	"github.com/keepsake-foundation/keepsake/lib/version"
	"github.com/keepsake-foundation/keepsake/registry"
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
		hubAddress  string
		nodeID      string
		secretPath  string
		keyPath     string
		bundlePath  string
		dialTimeout time.Duration
		keygen      bool
		showVersion bool
	)
	flags := pflag.NewFlagSet("keepsake-agent", pflag.ContinueOnError)
	flags.StringVar(&hubAddress, "hub", "localhost:8301", "hub control channel address (host:port)")
	flags.StringVar(&nodeID, "node-id", "", "this node's id from enrollment (required)")
	flags.StringVar(&secretPath, "secret-file", "", "file holding the enrollment secret, or - for stdin (required)")
	flags.StringVar(&keyPath, "key-file", "", "file holding the agent's age private key")
	flags.StringVar(&bundlePath, "bundle-file", "", "file holding the sealed secret bundle from the hub")
	flags.DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "timeout for one connection attempt")
	flags.BoolVar(&keygen, "keygen", false, "generate an age keypair, write the private key to --key-file, print the public key, and exit")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("keepsake-agent %s\n", version.Info())
		return nil
	}
	if keygen {
		return generateKey(keyPath)
	}

	if nodeID == "" {
		return fmt.Errorf("--node-id is required")
	}
	if secretPath == "" {
		return fmt.Errorf("--secret-file is required")
	}
	if bundlePath != "" && keyPath == "" {
		return fmt.Errorf("--bundle-file requires --key-file to open it")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	enrollmentSecret, err := secret.ReadFromPath(secretPath)
	if err != nil {
		return fmt.Errorf("reading enrollment secret: %w", err)
	}
	defer enrollmentSecret.Close()

	source, err := loadCredentialSource(bundlePath, keyPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := transport.NewAgent(executor.New(source, clock.Real(), logger), logger, transport.AgentConfig{
		HubAddress:  hubAddress,
		NodeID:      nodeID,
		Secret:      enrollmentSecret.String(),
		Version:     version.Short(),
		DialTimeout: dialTimeout,
	})

	logger.Info("starting keepsake-agent",
		"version", version.Short(), "hub", hubAddress, "node_id", nodeID)
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// loadCredentialSource opens the distributed secret bundle, when one
// is configured. Without a bundle the agent can still serve targets
// that need no credentials.
func loadCredentialSource(bundlePath, keyPath string) (executor.CredentialSource, error) {
	if bundlePath == "" {
		return nil, nil
	}
	privateKey, err := secret.ReadFromPath(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading age private key: %w", err)
	}
	defer privateKey.Close()

	encrypted, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("reading secret bundle: %w", err)
	}
	bundle, err := registry.OpenBundle(string(encrypted), privateKey)
	if err != nil {
		return nil, err
	}
	return executor.NewBundleSource(bundle), nil
}

// generateKey mints the agent's age keypair. The private key lands in
// path with 0600 permissions; the public key goes to stdout for the
// operator to register with the hub.
func generateKey(path string) error {
	if path == "" {
		return fmt.Errorf("--keygen requires --key-file")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists; refusing to overwrite a private key", path)
	}
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return err
	}
	defer keypair.Close()

	content := make([]byte, 0, keypair.PrivateKey.Len()+1)
	content = append(content, keypair.PrivateKey.Bytes()...)
	content = append(content, '\n')
	defer secret.Zero(content)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	fmt.Println(keypair.PublicKey)
	return nil
}

// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/keepsake-foundation/keepsake/bundle"
	"github.com/keepsake-foundation/keepsake/lib/clock"
	"github.com/keepsake-foundation/keepsake/lib/secret"
	"github.com/keepsake-foundation/keepsake/protocol"
	"github.com/keepsake-foundation/keepsake/store"
	"github.com/keepsake-foundation/keepsake/target"
)

// Executor opens storage targets and performs actions against them.
type Executor struct {
	credentials CredentialSource
	clock       clock.Clock
	logger      *slog.Logger
}

// New returns an executor resolving credentials from source. source
// may be nil when every configured target is credential-free.
func New(source CredentialSource, clk clock.Clock, logger *slog.Logger) *Executor {
	return &Executor{
		credentials: source,
		clock:       clk,
		logger:      logger.With("component", "executor"),
	}
}

// Execute performs one action and reports the outcome. Failures are
// returned inside the result, classified; report carries free-form
// progress notes for run actions and may be nil.
func (e *Executor) Execute(ctx context.Context, action protocol.Action, report func(note string)) *protocol.ActionResult {
	if report == nil {
		report = func(string) {}
	}

	driver, credential, err := e.open(ctx, action.Target)
	if err != nil {
		result := protocol.ResultFromError(err)
		return &result
	}
	if credential != nil {
		defer credential.Close()
	}

	var result protocol.ActionResult
	switch action.Type {
	case protocol.ActionProbe:
		result = protocol.ResultFromError(driver.Probe(ctx))
	case protocol.ActionDeleteArtifact:
		result = protocol.ResultFromError(driver.Delete(ctx, action.ArtifactName))
	case protocol.ActionListArtifacts:
		names, err := driver.List(ctx, action.Prefix)
		result = protocol.ResultFromError(err)
		result.Names = names
	case protocol.ActionRunJob:
		result = e.runJob(ctx, driver, action, report)
	default:
		result = protocol.ResultFromError(
			protocol.Errorf(protocol.KindProtocol, "executor: unknown action type %q", action.Type))
	}

	if result.OK {
		e.logger.Info("action done", "type", action.Type, "driver", action.Target.Driver)
	} else {
		e.logger.Warn("action failed",
			"type", action.Type, "driver", action.Target.Driver,
			"kind", result.ErrorKind, "error", result.ErrorMessage)
	}
	return &result
}

// open resolves the descriptor's credential and constructs its
// driver. The returned buffer, when non-nil, is owned by the caller.
func (e *Executor) open(ctx context.Context, desc protocol.TargetDescriptor) (target.Driver, *secret.Buffer, error) {
	var credential *secret.Buffer
	if desc.CredentialRef != "" {
		if e.credentials == nil {
			return nil, nil, protocol.Errorf(protocol.KindConfig,
				"executor: target needs credential %q but no credential source is configured", desc.CredentialRef)
		}
		var err error
		credential, err = e.credentials.Credential(ctx, desc.CredentialRef)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, protocol.Errorf(protocol.KindConfig,
				"executor: credential %q is not provisioned on this node", desc.CredentialRef)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("executor: resolving credential %q: %w", desc.CredentialRef, err)
		}
	}

	driver, err := target.Open(desc, credential)
	if err != nil {
		if credential != nil {
			credential.Close()
		}
		return nil, nil, err
	}
	return driver, credential, nil
}

// runJob archives the action's source directory into a bundle and
// streams it to the target. The bundle never touches local disk: the
// archive pipeline writes into the driver upload directly.
func (e *Executor) runJob(ctx context.Context, driver target.Driver, action protocol.Action, report func(note string)) protocol.ActionResult {
	if action.Source == "" {
		return protocol.ResultFromError(
			protocol.Errorf(protocol.KindConfig, "executor: run action for job %s has no source path", action.JobID))
	}

	now := e.clock.Now()
	name := bundle.Name(action.JobName, now)
	var recipients []string
	if action.Recipient != "" {
		recipients = []string{action.Recipient}
	}

	report(fmt.Sprintf("archiving %s", action.Source))

	reader, writer := io.Pipe()
	type buildOutcome struct {
		result *bundle.Result
		err    error
	}
	created := make(chan buildOutcome, 1)
	go func() {
		result, err := bundle.Create(ctx, action.Source, writer, recipients)
		// CloseWithError(nil) closes with io.EOF, ending the upload.
		writer.CloseWithError(err)
		created <- buildOutcome{result: result, err: err}
	}()

	report(fmt.Sprintf("uploading %s", name))
	written, putErr := driver.Put(ctx, name, reader)
	// Unblock the archiver if the upload died mid-stream.
	reader.CloseWithError(putErr)
	build := <-created

	// The archiver's error is the root cause when both sides failed:
	// a broken archive read surfaces inside Put as a bare copy error.
	if build.err != nil {
		return protocol.ResultFromError(build.err)
	}
	if putErr != nil {
		return protocol.ResultFromError(putErr)
	}
	buildResult := build.result
	if written != buildResult.SizeBytes {
		return protocol.ResultFromError(protocol.Errorf(protocol.KindUnknown,
			"executor: uploaded %d bytes of a %d byte bundle", written, buildResult.SizeBytes))
	}

	report(fmt.Sprintf("uploaded %s (%d bytes)", name, written))
	return protocol.ActionResult{
		OK: true,
		Artifact: &protocol.ArtifactInfo{
			Name:      name,
			SizeBytes: buildResult.SizeBytes,
			Checksum:  buildResult.Checksum,
			CreatedAt: now,
		},
	}
}

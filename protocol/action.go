// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "time"

// ActionType names an operation an executor (hub or agent) can carry
// out against a storage target.
type ActionType string

const (
	// ActionDeleteArtifact removes one artifact from its target.
	ActionDeleteArtifact ActionType = "delete_artifact"

	// ActionListArtifacts enumerates artifact names under a target
	// prefix, used by reconciliation.
	ActionListArtifacts ActionType = "list_artifacts"

	// ActionRunJob executes a backup job and uploads the resulting
	// bundle to its target.
	ActionRunJob ActionType = "run_job"

	// ActionProbe checks that a target is reachable with the
	// configured credentials.
	ActionProbe ActionType = "probe"
)

// Action is one unit of work addressed at a storage target. The
// fields are a flattened copy of everything the executor needs: the
// executing node may not share the hub's database, so actions carry
// their context instead of referencing it.
type Action struct {
	// Type selects the operation.
	Type ActionType `cbor:"type"`

	// Node is the node id the action must execute on. The zero
	// value means the hub itself.
	Node string `cbor:"node,omitempty"`

	// Target describes the storage target: driver name plus
	// driver-specific settings.
	Target TargetDescriptor `cbor:"target"`

	// ArtifactName is the target-relative object name, set for
	// delete and probe actions.
	ArtifactName string `cbor:"artifact_name,omitempty"`

	// Prefix scopes list actions.
	Prefix string `cbor:"prefix,omitempty"`

	// JobID identifies the job for run actions.
	JobID string `cbor:"job_id,omitempty"`

	// RunID identifies the run a run action reports into.
	RunID string `cbor:"run_id,omitempty"`

	// JobName names the job for run actions; it seeds the bundle
	// file name.
	JobName string `cbor:"job_name,omitempty"`

	// Source is the filesystem path run actions archive.
	Source string `cbor:"source,omitempty"`

	// Recipient is the age public key run bundles are encrypted to,
	// empty for unencrypted bundles.
	Recipient string `cbor:"recipient,omitempty"`
}

// TargetDescriptor identifies a storage target well enough to open a
// driver for it. Credentials are NOT part of the descriptor: the
// executing node resolves the credential reference against its own
// secret store.
type TargetDescriptor struct {
	// Driver is the registered driver name, e.g. "localdir" or
	// "webdav".
	Driver string `cbor:"driver"`

	// Settings holds driver-specific configuration, e.g. base URL
	// or root path.
	Settings map[string]string `cbor:"settings,omitempty"`

	// CredentialRef names the secret holding the target credential,
	// empty for targets that need none.
	CredentialRef string `cbor:"credential_ref,omitempty"`
}

// ActionResult reports the outcome of one Action execution.
type ActionResult struct {
	// OK is true when the action succeeded.
	OK bool `cbor:"ok"`

	// ErrorKind and ErrorMessage describe the failure when OK is
	// false.
	ErrorKind    ErrorKind `cbor:"error_kind,omitempty"`
	ErrorMessage string    `cbor:"error_message,omitempty"`

	// Names carries the listing for list actions.
	Names []string `cbor:"names,omitempty"`

	// Artifact carries the produced artifact for run actions.
	Artifact *ArtifactInfo `cbor:"artifact,omitempty"`
}

// ArtifactInfo describes an artifact produced by a run action.
type ArtifactInfo struct {
	Name      string    `cbor:"name"`
	SizeBytes int64     `cbor:"size_bytes"`
	Checksum  string    `cbor:"checksum"`
	CreatedAt time.Time `cbor:"created_at"`
}

// Err converts a failed result back into a classified error, or nil
// for a successful one.
func (r *ActionResult) Err() error {
	if r.OK {
		return nil
	}
	kind := r.ErrorKind
	if kind == "" {
		kind = KindUnknown
	}
	return &Error{Kind: kind, Message: r.ErrorMessage}
}

// ResultFromError builds the failure half of an ActionResult from a
// classified error. A nil error yields a success result.
func ResultFromError(err error) ActionResult {
	if err == nil {
		return ActionResult{OK: true}
	}
	return ActionResult{
		OK:           false,
		ErrorKind:    KindOf(err),
		ErrorMessage: err.Error(),
	}
}

// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure by what the caller should do about
// it, not by where it happened. The queue engine maps kinds to retry
// behavior: network and unknown failures are retried with backoff,
// config and auth failures park the task as blocked until an operator
// intervenes, and not_found deletes are treated as success.
type ErrorKind string

const (
	// KindConfig means the operation cannot succeed as configured:
	// a missing credential, an invalid target descriptor, a driver
	// name nothing registered. Retrying without operator action is
	// pointless.
	KindConfig ErrorKind = "config"

	// KindAuth means the target rejected our credentials. Like
	// config errors these are terminal: the credential must change
	// before a retry can succeed.
	KindAuth ErrorKind = "auth"

	// KindNetwork means the target or agent was unreachable or the
	// call timed out. Transient: retry with backoff.
	KindNetwork ErrorKind = "network"

	// KindProtocol means the peer sent something we could not
	// decode, or violated the channel framing. Transient in the
	// sense that a reconnect may clear it, but it usually indicates
	// a version skew worth surfacing.
	KindProtocol ErrorKind = "protocol"

	// KindNotFound means the object the operation was addressed at
	// does not exist. For deletes this is the goal state.
	KindNotFound ErrorKind = "not_found"

	// KindUnknown is every failure nothing else claimed. Treated as
	// transient so a bug in classification degrades to extra
	// retries rather than a silently stuck task.
	KindUnknown ErrorKind = "unknown"
)

// Terminal reports whether a failure of this kind cannot be resolved
// by retrying.
func (k ErrorKind) Terminal() bool {
	return k == KindConfig || k == KindAuth
}

// Error is a failure annotated with its kind. It travels the agent
// channel as an ActionResult field and is reconstructed hub-side, so
// the wrapped cause only survives within a single process.
type Error struct {
	Kind ErrorKind
	// Message is the human-readable description. On the hub side of
	// a remote execution this is all that remains of the cause.
	Message string
	// cause is the wrapped error, nil after a wire crossing.
	cause error
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: err.Error(), cause: errors.Unwrap(err)}
}

// WrapError classifies an existing error. If err is already a
// classified *Error its kind is preserved and kind is ignored.
func WrapError(kind ErrorKind, err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return &Error{Kind: kind, Message: err.Error(), cause: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the kind from an error chain. Unclassified errors
// report KindUnknown.
func KindOf(err error) ErrorKind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

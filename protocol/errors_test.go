// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := Errorf(KindAuth, "target rejected token")
	wrapped := fmt.Errorf("deleting artifact: %w", base)
	if got := KindOf(wrapped); got != KindAuth {
		t.Errorf("KindOf(wrapped) = %q, want auth", got)
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("KindOf(plain) = %q, want unknown", got)
	}
}

func TestWrapErrorPreservesExistingKind(t *testing.T) {
	inner := Errorf(KindNotFound, "object missing")
	outer := WrapError(KindNetwork, fmt.Errorf("delete: %w", inner))
	if outer.Kind != KindNotFound {
		t.Errorf("Kind = %q, want not_found", outer.Kind)
	}
	if WrapError(KindNetwork, nil) != nil {
		t.Error("WrapError(nil) should be nil")
	}
}

func TestTerminalKinds(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindConfig, true},
		{KindAuth, true},
		{KindNetwork, false},
		{KindProtocol, false},
		{KindNotFound, false},
		{KindUnknown, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestActionResultRoundTrip(t *testing.T) {
	result := ResultFromError(Errorf(KindNetwork, "dial tcp: connection refused"))
	if result.OK {
		t.Fatal("result should not be OK")
	}
	err := result.Err()
	if !IsKind(err, KindNetwork) {
		t.Errorf("Err() kind = %q, want network", KindOf(err))
	}

	okResult := ResultFromError(nil)
	if err := okResult.Err(); err != nil {
		t.Errorf("success result Err() = %v, want nil", err)
	}

	// A result produced by a peer that predates classification still
	// yields a usable error.
	bare := ActionResult{OK: false, ErrorMessage: "boom"}
	if !IsKind(bare.Err(), KindUnknown) {
		t.Errorf("bare result kind = %q, want unknown", KindOf(bare.Err()))
	}
}

// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"testing"

	"github.com/keepsake-foundation/keepsake/lib/codec"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(MessageHello, 7, Hello{Node: "nas-1", Proof: "abcd", Version: "0.1.0"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	wire, err := codec.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Envelope
	if err := codec.Unmarshal(wire, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Type != MessageHello || decoded.ID != 7 {
		t.Errorf("decoded header = %s/%d, want hello/7", decoded.Type, decoded.ID)
	}

	var hello Hello
	if err := decoded.DecodePayload(&hello); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if hello.Node != "nas-1" || hello.Proof != "abcd" {
		t.Errorf("payload = %+v", hello)
	}
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	env := Envelope{Type: MessageAction, ID: 1, Payload: codec.RawMessage{0xff, 0x00}}
	var action Action
	err := env.DecodePayload(&action)
	if !IsKind(err, KindProtocol) {
		t.Errorf("kind = %q, want protocol", KindOf(err))
	}
}

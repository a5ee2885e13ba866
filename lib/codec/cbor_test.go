// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

// sampleEnvelope mirrors the shape of a control-channel message:
// string fields plus a raw payload decoded later by kind.
type sampleEnvelope struct {
	Kind    string     `cbor:"kind"`
	RunID   string     `cbor:"run_id"`
	Payload RawMessage `cbor:"payload,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{
		"zebra": 1,
		"alpha": "two",
		"mid":   []int{3, 4},
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("deterministic encoding produced different bytes for the same value")
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	// Encode a superset of sampleEnvelope; decoding must not fail on
	// the extra field.
	data, err := Marshal(map[string]any{
		"kind":         "delete",
		"run_id":       "run-1",
		"future_field": true,
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var envelope sampleEnvelope
	if err := Unmarshal(data, &envelope); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if envelope.Kind != "delete" || envelope.RunID != "run-1" {
		t.Errorf("decoded %+v, want kind=delete run_id=run-1", envelope)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)

	messages := []sampleEnvelope{
		{Kind: "delete", RunID: "run-1"},
		{Kind: "cleanup", RunID: "run-2"},
	}
	for _, message := range messages {
		if err := encoder.Encode(message); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i := range messages {
		var decoded sampleEnvelope
		if err := decoder.Decode(&decoded); err != nil {
			t.Fatalf("Decode message %d: %v", i, err)
		}
		if decoded.Kind != messages[i].Kind || decoded.RunID != messages[i].RunID {
			t.Errorf("message %d = %+v, want %+v", i, decoded, messages[i])
		}
	}
}

func TestAnyMapType(t *testing.T) {
	data, err := Marshal(map[string]any{"path": "/srv/backups", "retries": 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		t.Fatalf("decoded any-typed map is %T, want map[string]any", decoded)
	}
}

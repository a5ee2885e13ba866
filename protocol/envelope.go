// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"github.com/keepsake-foundation/keepsake/lib/codec"
)

// MessageType discriminates frames on the agent channel.
type MessageType string

const (
	// MessageHello is the first frame an agent sends after
	// connecting: node id plus an authentication proof.
	MessageHello MessageType = "hello"

	// MessageHelloAck is the hub's acceptance of a hello.
	MessageHelloAck MessageType = "hello_ack"

	// MessageHeartbeat keeps an idle connection alive; either side
	// may send it and the peer echoes it back.
	MessageHeartbeat MessageType = "heartbeat"

	// MessageAction carries an Action from hub to agent.
	MessageAction MessageType = "action"

	// MessageResult carries an ActionResult back to the hub.
	MessageResult MessageType = "result"

	// MessageProgress carries an agent's progress report for a
	// running action. Fire-and-forget: no response, no correlation.
	MessageProgress MessageType = "progress"

	// MessageError reports a channel-level failure tied to a
	// correlation id, e.g. an action the agent could not decode.
	MessageError MessageType = "error"
)

// Envelope is the frame type of the agent channel. Payloads are
// nested raw CBOR so a peer can route on type and correlation id
// without decoding bodies it does not understand.
type Envelope struct {
	// Type discriminates the payload.
	Type MessageType `cbor:"type"`

	// ID correlates a request with its response. The sender picks a
	// fresh id per request; responses echo it.
	ID uint64 `cbor:"id"`

	// Payload is the type-specific body.
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// Hello is the payload of MessageHello.
type Hello struct {
	// Node is the agent's node id.
	Node string `cbor:"node"`

	// Proof is the agent's hex-encoded enrollment secret. The hub
	// stores only the secret's hash, so possession of the secret is
	// the proof.
	Proof string `cbor:"proof"`

	// Version is the agent's build version, logged hub-side.
	Version string `cbor:"version,omitempty"`
}

// HelloAck is the payload of MessageHelloAck.
type HelloAck struct {
	// HeartbeatSeconds tells the agent how often to expect and send
	// heartbeats.
	HeartbeatSeconds int `cbor:"heartbeat_seconds"`
}

// Progress is the payload of MessageProgress.
type Progress struct {
	RunID string `cbor:"run_id"`
	Note  string `cbor:"note"`
}

// ChannelError is the payload of MessageError.
type ChannelError struct {
	Kind    ErrorKind `cbor:"kind"`
	Message string    `cbor:"message"`
}

// NewEnvelope marshals a payload into an envelope of the given type.
func NewEnvelope(msgType MessageType, id uint64, payload any) (Envelope, error) {
	body, err := codec.Marshal(payload)
	if err != nil {
		return Envelope{}, Errorf(KindProtocol, "encoding %s payload: %v", msgType, err)
	}
	return Envelope{Type: msgType, ID: id, Payload: body}, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e *Envelope) DecodePayload(dst any) error {
	if err := codec.Unmarshal(e.Payload, dst); err != nil {
		return Errorf(KindProtocol, "decoding %s payload: %v", e.Type, err)
	}
	return nil
}

// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keepsake-foundation/keepsake/lib/codec"
	"github.com/keepsake-foundation/keepsake/protocol"
	"github.com/keepsake-foundation/keepsake/registry"
)

// helloTimeout bounds how long a fresh connection may sit silent
// before the hub drops it.
const helloTimeout = 10 * time.Second

// HubConfig configures the hub side of the control channel.
type HubConfig struct {
	// Listen is the TCP listen address, e.g. ":8301". Use ":0" for a
	// random port in tests.
	Listen string

	// HeartbeatInterval is the agreed heartbeat period announced to
	// agents in the hello ack. Connections silent for three periods
	// are considered dead.
	HeartbeatInterval time.Duration
}

// Hub accepts agent connections and routes actions to them.
type Hub struct {
	registry *registry.Registry
	logger   *slog.Logger
	config   HubConfig

	// onProgress receives agent progress reports. Set before Serve.
	onProgress func(ctx context.Context, runID, note string)

	listener net.Listener
	ready    chan struct{}

	mu     sync.Mutex
	agents map[string]*agentConn
}

func NewHub(reg *registry.Registry, logger *slog.Logger, config HubConfig) *Hub {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	return &Hub{
		registry: reg,
		logger:   logger,
		config:   config,
		ready:    make(chan struct{}),
		agents:   make(map[string]*agentConn),
	}
}

// OnProgress installs the sink for agent progress reports. Must be
// called before Serve.
func (h *Hub) OnProgress(sink func(ctx context.Context, runID, note string)) {
	h.onProgress = sink
}

// Address returns the bound listen address. Blocks until Serve has
// opened the listener.
func (h *Hub) Address() string {
	<-h.ready
	return h.listener.Addr().String()
}

// Serve accepts agent connections until ctx is canceled.
func (h *Hub) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", h.config.Listen)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", h.config.Listen, err)
	}
	h.listener = listener
	close(h.ready)
	h.logger.Info("agent channel listening", "address", listener.Addr())

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		go h.handleConn(ctx, conn)
	}
}

// Call sends an action to a connected agent and waits for its result.
// An agent that is not connected yields a network-class error, which
// the queue treats as transient.
func (h *Hub) Call(ctx context.Context, nodeID string, action protocol.Action) (*protocol.ActionResult, error) {
	h.mu.Lock()
	agent := h.agents[nodeID]
	h.mu.Unlock()
	if agent == nil {
		return nil, protocol.Errorf(protocol.KindNetwork, "transport: node %s is not connected", nodeID)
	}
	return agent.call(ctx, action)
}

// Connected reports whether the node currently holds a channel.
func (h *Hub) Connected(nodeID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agents[nodeID] != nil
}

func (h *Hub) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	agent := &agentConn{
		conn:    conn,
		encoder: codec.NewEncoder(conn),
		decoder: codec.NewDecoder(conn),
		pending: make(map[uint64]chan protocol.Envelope),
	}

	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var hello protocol.Envelope
	if err := agent.decoder.Decode(&hello); err != nil {
		h.logger.Warn("dropping connection before hello", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	if hello.Type != protocol.MessageHello {
		h.logger.Warn("first frame is not hello", "remote", conn.RemoteAddr(), "type", hello.Type)
		return
	}
	var greeting protocol.Hello
	if err := hello.DecodePayload(&greeting); err != nil {
		h.logger.Warn("undecodable hello", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	if err := h.registry.VerifyProof(ctx, greeting.Node, greeting.Proof); err != nil {
		h.logger.Warn("agent authentication failed",
			"remote", conn.RemoteAddr(),
			"node", greeting.Node,
			"error", err,
		)
		agent.send(mustEnvelope(protocol.MessageError, hello.ID, protocol.ChannelError{
			Kind:    protocol.KindAuth,
			Message: "authentication failed",
		}))
		return
	}

	ack, err := protocol.NewEnvelope(protocol.MessageHelloAck, hello.ID, protocol.HelloAck{
		HeartbeatSeconds: int(h.config.HeartbeatInterval / time.Second),
	})
	if err != nil {
		h.logger.Error("encoding hello ack", "error", err)
		return
	}
	if err := agent.send(ack); err != nil {
		return
	}

	if err := h.registry.MarkOnline(ctx, greeting.Node, greeting.Version); err != nil {
		h.logger.Error("marking node online", "node", greeting.Node, "error", err)
		return
	}
	h.mu.Lock()
	if previous := h.agents[greeting.Node]; previous != nil {
		// A reconnect replaces the stale channel.
		previous.conn.Close()
	}
	h.agents[greeting.Node] = agent
	h.mu.Unlock()
	h.logger.Info("agent connected",
		"node", greeting.Node,
		"remote", conn.RemoteAddr(),
		"version", greeting.Version,
	)

	h.readLoop(ctx, greeting.Node, agent)

	h.mu.Lock()
	if h.agents[greeting.Node] == agent {
		delete(h.agents, greeting.Node)
	}
	h.mu.Unlock()
	agent.failPending()
	if err := h.registry.MarkOffline(context.WithoutCancel(ctx), greeting.Node); err != nil {
		h.logger.Error("marking node offline", "node", greeting.Node, "error", err)
	}
	h.logger.Info("agent disconnected", "node", greeting.Node)
}

func (h *Hub) readLoop(ctx context.Context, nodeID string, agent *agentConn) {
	for {
		agent.conn.SetReadDeadline(time.Now().Add(3 * h.config.HeartbeatInterval))
		var envelope protocol.Envelope
		if err := agent.decoder.Decode(&envelope); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				h.logger.Warn("agent channel read failed", "node", nodeID, "error", err)
			}
			return
		}

		switch envelope.Type {
		case protocol.MessageHeartbeat:
			if err := h.registry.Heartbeat(ctx, nodeID); err != nil {
				h.logger.Warn("recording heartbeat", "node", nodeID, "error", err)
			}
			agent.send(protocol.Envelope{Type: protocol.MessageHeartbeat, ID: envelope.ID})
		case protocol.MessageResult, protocol.MessageError:
			agent.deliver(envelope)
		case protocol.MessageProgress:
			var progress protocol.Progress
			if err := envelope.DecodePayload(&progress); err != nil {
				h.logger.Warn("undecodable progress report", "node", nodeID, "error", err)
				continue
			}
			if h.onProgress != nil {
				h.onProgress(ctx, progress.RunID, progress.Note)
			}
		default:
			h.logger.Warn("unexpected frame from agent", "node", nodeID, "type", envelope.Type)
		}
	}
}

// agentConn is one authenticated agent channel.
type agentConn struct {
	conn    net.Conn
	encoder *codec.Encoder
	decoder *codec.Decoder

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	closed  bool
	pending map[uint64]chan protocol.Envelope
}

func (a *agentConn) send(envelope protocol.Envelope) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.encoder.Encode(envelope)
}

// call sends an action and blocks for the matching response envelope.
func (a *agentConn) call(ctx context.Context, action protocol.Action) (*protocol.ActionResult, error) {
	id := a.nextID.Add(1)
	envelope, err := protocol.NewEnvelope(protocol.MessageAction, id, action)
	if err != nil {
		return nil, err
	}

	response := make(chan protocol.Envelope, 1)
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, protocol.Errorf(protocol.KindNetwork, "transport: channel closed")
	}
	a.pending[id] = response
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}()

	if err := a.send(envelope); err != nil {
		return nil, protocol.Errorf(protocol.KindNetwork, "transport: sending action: %v", err)
	}

	select {
	case <-ctx.Done():
		return nil, protocol.Errorf(protocol.KindNetwork, "transport: awaiting result: %v", ctx.Err())
	case reply, ok := <-response:
		if !ok {
			return nil, protocol.Errorf(protocol.KindNetwork, "transport: channel closed awaiting result")
		}
		switch reply.Type {
		case protocol.MessageResult:
			var result protocol.ActionResult
			if err := reply.DecodePayload(&result); err != nil {
				return nil, err
			}
			return &result, nil
		case protocol.MessageError:
			var channelErr protocol.ChannelError
			if err := reply.DecodePayload(&channelErr); err != nil {
				return nil, err
			}
			return nil, protocol.Errorf(channelErr.Kind, "transport: %s", channelErr.Message)
		default:
			return nil, protocol.Errorf(protocol.KindProtocol, "transport: unexpected reply type %s", reply.Type)
		}
	}
}

// deliver hands a response to its waiting call. The waiter channel is
// buffered, so the send cannot block under the lock, and removing the
// entry here keeps failPending from closing a channel already used.
func (a *agentConn) deliver(envelope protocol.Envelope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if waiter := a.pending[envelope.ID]; waiter != nil {
		delete(a.pending, envelope.ID)
		waiter <- envelope
	}
}

// failPending wakes every in-flight call after a disconnect.
func (a *agentConn) failPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for id, waiter := range a.pending {
		close(waiter)
		delete(a.pending, id)
	}
}

func mustEnvelope(msgType protocol.MessageType, id uint64, payload any) protocol.Envelope {
	envelope, err := protocol.NewEnvelope(msgType, id, payload)
	if err != nil {
		panic(err)
	}
	return envelope
}

// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/keepsake-foundation/keepsake/lib/codec"
	"github.com/keepsake-foundation/keepsake/protocol"
)

// Executor performs actions on the agent's machine. The report
// callback streams progress notes to the hub while the action runs;
// it never blocks on the network.
type Executor interface {
	Execute(ctx context.Context, action protocol.Action, report func(note string)) *protocol.ActionResult
}

// ErrAuthRejected means the hub refused the agent's enrollment
// secret. Reconnecting cannot help; the node must be re-enrolled.
var ErrAuthRejected = errors.New("transport: hub rejected enrollment secret")

// AgentConfig configures the agent side of the control channel.
type AgentConfig struct {
	// HubAddress is the hub's channel address, host:port.
	HubAddress string

	// NodeID and Secret are the node's enrollment: the id names the
	// node, the hex secret proves it.
	NodeID string
	Secret string

	// Version is reported to the hub at hello.
	Version string

	// DialTimeout bounds one connection attempt.
	DialTimeout time.Duration

	// ReconnectBase and ReconnectMax shape the reconnect backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Agent maintains the connection to the hub and serves its actions.
type Agent struct {
	executor Executor
	logger   *slog.Logger
	config   AgentConfig
}

func NewAgent(executor Executor, logger *slog.Logger, config AgentConfig) *Agent {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.ReconnectBase <= 0 {
		config.ReconnectBase = time.Second
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = time.Minute
	}
	return &Agent{executor: executor, logger: logger, config: config}
}

// Run connects to the hub and serves actions, reconnecting with
// capped backoff until ctx is canceled. Returns ErrAuthRejected
// without retrying when the hub refuses the enrollment secret.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.config.ReconnectBase
	for {
		err := a.session(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrAuthRejected):
			return err
		case err != nil:
			a.logger.Warn("hub connection lost", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > a.config.ReconnectMax {
			backoff = a.config.ReconnectMax
		}
	}
}

// session runs one connection from dial to disconnect.
func (a *Agent) session(ctx context.Context) error {
	dialer := net.Dialer{Timeout: a.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.config.HubAddress)
	if err != nil {
		return fmt.Errorf("transport: dialing hub: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	channel := &hubChannel{
		conn:    conn,
		encoder: codec.NewEncoder(conn),
		decoder: codec.NewDecoder(conn),
	}

	heartbeat, err := a.handshake(channel)
	if err != nil {
		return err
	}
	a.logger.Info("connected to hub", "hub", a.config.HubAddress, "heartbeat", heartbeat)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go a.heartbeatLoop(heartbeatCtx, channel, heartbeat)

	for {
		channel.conn.SetReadDeadline(time.Now().Add(3 * heartbeat))
		var envelope protocol.Envelope
		if err := channel.decoder.Decode(&envelope); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("transport: reading channel: %w", err)
		}

		switch envelope.Type {
		case protocol.MessageHeartbeat:
			// The hub echoing our heartbeat; the read deadline reset
			// above is all the bookkeeping needed.
		case protocol.MessageAction:
			go a.serveAction(ctx, channel, envelope)
		default:
			a.logger.Warn("unexpected frame from hub", "type", envelope.Type)
		}
	}
}

func (a *Agent) handshake(channel *hubChannel) (time.Duration, error) {
	hello, err := protocol.NewEnvelope(protocol.MessageHello, 1, protocol.Hello{
		Node:    a.config.NodeID,
		Proof:   a.config.Secret,
		Version: a.config.Version,
	})
	if err != nil {
		return 0, err
	}
	if err := channel.send(hello); err != nil {
		return 0, fmt.Errorf("transport: sending hello: %w", err)
	}

	channel.conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var reply protocol.Envelope
	if err := channel.decoder.Decode(&reply); err != nil {
		return 0, fmt.Errorf("transport: awaiting hello ack: %w", err)
	}
	switch reply.Type {
	case protocol.MessageHelloAck:
		var ack protocol.HelloAck
		if err := reply.DecodePayload(&ack); err != nil {
			return 0, err
		}
		if ack.HeartbeatSeconds <= 0 {
			return 0, protocol.Errorf(protocol.KindProtocol, "transport: hub announced heartbeat %d", ack.HeartbeatSeconds)
		}
		return time.Duration(ack.HeartbeatSeconds) * time.Second, nil
	case protocol.MessageError:
		var channelErr protocol.ChannelError
		if err := reply.DecodePayload(&channelErr); err != nil {
			return 0, err
		}
		if channelErr.Kind == protocol.KindAuth {
			return 0, fmt.Errorf("%w: %s", ErrAuthRejected, channelErr.Message)
		}
		return 0, protocol.Errorf(channelErr.Kind, "transport: hello refused: %s", channelErr.Message)
	default:
		return 0, protocol.Errorf(protocol.KindProtocol, "transport: unexpected hello reply %s", reply.Type)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context, channel *hubChannel, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := channel.send(protocol.Envelope{Type: protocol.MessageHeartbeat}); err != nil {
			return
		}
	}
}

// serveAction executes one action and sends its result with the
// request's correlation id.
func (a *Agent) serveAction(ctx context.Context, channel *hubChannel, envelope protocol.Envelope) {
	var action protocol.Action
	if err := envelope.DecodePayload(&action); err != nil {
		a.logger.Warn("undecodable action", "error", err)
		reply, encErr := protocol.NewEnvelope(protocol.MessageError, envelope.ID, protocol.ChannelError{
			Kind:    protocol.KindProtocol,
			Message: err.Error(),
		})
		if encErr == nil {
			channel.send(reply)
		}
		return
	}

	a.logger.Info("action received", "type", action.Type, "job", action.JobID, "run", action.RunID)
	result := a.executor.Execute(ctx, action, func(note string) {
		progress, err := protocol.NewEnvelope(protocol.MessageProgress, 0, protocol.Progress{
			RunID: action.RunID,
			Note:  note,
		})
		if err == nil {
			channel.send(progress)
		}
	})

	reply, err := protocol.NewEnvelope(protocol.MessageResult, envelope.ID, result)
	if err != nil {
		a.logger.Error("encoding result", "error", err)
		return
	}
	if err := channel.send(reply); err != nil {
		a.logger.Warn("sending result", "error", err)
	}
}

// hubChannel is the agent's half of the connection, serializing
// writes from the action, heartbeat, and progress goroutines.
type hubChannel struct {
	conn    net.Conn
	decoder *codec.Decoder

	writeMu sync.Mutex
	encoder *codec.Encoder
}

func (c *hubChannel) send(envelope protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.encoder.Encode(envelope)
}

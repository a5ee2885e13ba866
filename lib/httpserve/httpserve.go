// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpserve runs an HTTP server with managed lifecycle:
// Serve(ctx) binds the listener, signals readiness, blocks until the
// context is cancelled, and drains in-flight requests before
// returning. The caller provides the http.Handler.
package httpserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server serves HTTP on a TCP listener.
type Server struct {
	address string
	handler http.Handler
	logger  *slog.Logger

	// shutdownTimeout bounds the drain of active requests after the
	// context is cancelled.
	shutdownTimeout time.Duration

	// ready is closed after the listener is bound.
	ready chan struct{}

	// addr is the resolved listen address, valid after ready closes.
	addr net.Addr
}

// Config configures a Server.
type Config struct {
	// Address is the TCP listen address, e.g. "127.0.0.1:8300".
	// Required.
	Address string

	// Handler routes incoming requests. Required.
	Handler http.Handler

	// ShutdownTimeout bounds graceful drain. Defaults to 10 seconds.
	ShutdownTimeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// New creates a server that will listen on the configured address.
// Call Serve to start accepting connections.
func New(config Config) *Server {
	if config.Address == "" {
		panic("httpserve: Address is required")
	}
	if config.Handler == nil {
		panic("httpserve: Handler is required")
	}
	if config.Logger == nil {
		panic("httpserve: Logger is required")
	}

	timeout := config.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Server{
		address:         config.Address,
		handler:         config.Handler,
		logger:          config.Logger,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// Ready returns a channel closed once the server is bound and
// accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready()
// is closed; with a ":0" address it carries the OS-assigned port.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Serve accepts connections until ctx is cancelled, then shuts down
// gracefully: new connections are refused and active requests get up
// to ShutdownTimeout to finish.
func (s *Server) Serve(ctx context.Context) error {
	// Bind before signalling readiness so Addr is resolvable.
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("httpserve: listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,

		// API bodies are small; generous timeouts only guard
		// against stuck clients.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("http server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpserve: shutdown: %w", err)
	}

	s.logger.Info("http server stopped")
	return nil
}

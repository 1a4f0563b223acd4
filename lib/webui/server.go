// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package webui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// DefaultListenAddress keeps the page on the loopback interface.
const DefaultListenAddress = "127.0.0.1:8448"

// Server serves the page, the action API and the push channel on a
// TCP listener. Serve blocks until the context is cancelled, then
// closes websocket connections and drains in-flight requests.
type Server struct {
	address string
	handler http.Handler
	hub     *Hub
	logger  *slog.Logger

	shutdownTimeout time.Duration

	// ready is closed once the listener is bound.
	ready chan struct{}

	// addr is the resolved listen address, valid after ready closes.
	addr net.Addr
}

// ServerConfig configures a [Server].
type ServerConfig struct {
	// Address is the TCP listen address. Defaults to
	// DefaultListenAddress.
	Address string

	// Handler routes requests, normally the result of [NewRouter].
	// Required.
	Handler http.Handler

	// Hub is closed during shutdown. Optional.
	Hub *Hub

	// ShutdownTimeout bounds the wait for in-flight requests, which
	// include logins blocked on the homeserver. Defaults to 10
	// seconds.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// NewServer creates a server. Call Serve to start accepting
// connections.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Handler == nil {
		return nil, fmt.Errorf("webui: handler is required")
	}
	server := &Server{
		address:         config.Address,
		handler:         config.Handler,
		hub:             config.Hub,
		logger:          config.Logger,
		shutdownTimeout: config.ShutdownTimeout,
		ready:           make(chan struct{}),
	}
	if server.address == "" {
		server.address = DefaultListenAddress
	}
	if server.shutdownTimeout <= 0 {
		server.shutdownTimeout = 10 * time.Second
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server, nil
}

// Ready returns a channel closed once the server is accepting
// connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready
// is closed.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// URL returns the page address for the resolved listener. Only valid
// after Ready is closed.
func (s *Server) URL() string {
	return "http://" + s.addr.String() + "/"
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("webui: listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,

		// No WriteTimeout: the websocket handler sets its own write
		// deadlines and a login may outlast any fixed budget.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("web ui listening", "url", s.URL())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("web ui shutting down")
	case err := <-serveDone:
		if err != nil {
			return fmt.Errorf("webui: serving: %w", err)
		}
		return nil
	}

	if s.hub != nil {
		s.hub.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("web ui shutdown error", "error", err)
		return fmt.Errorf("webui: shutdown: %w", err)
	}

	s.logger.Info("web ui stopped")
	return nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// HTTPServer serves HTTP on a TCP listener. The server manages
// listener lifecycle and graceful shutdown; the caller provides the
// http.Handler.
type HTTPServer struct {
	name    string
	address string
	handler http.Handler
	logger  *slog.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration

	// shutdownTimeout is the maximum time to wait for active
	// requests to complete after the context is cancelled.
	shutdownTimeout time.Duration

	// ready is closed after the listener is bound and the server
	// is accepting connections.
	ready chan struct{}

	// addr is the resolved listen address, available after the
	// server starts accepting connections (after ready is closed).
	addr net.Addr
}

// HTTPServerConfig configures an HTTPServer.
type HTTPServerConfig struct {
	// Name labels the server in log lines (e.g., "federation").
	Name string

	// Address is the TCP listen address (e.g., ":8448",
	// "127.0.0.1:0"). Required.
	Address string

	// Handler is the HTTP handler for incoming requests. Required.
	Handler http.Handler

	// ReadTimeout and WriteTimeout bound one request. Federation
	// transactions can be several megabytes, so both default to
	// 60 seconds.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight
	// requests to complete during graceful shutdown. Defaults to
	// 10 seconds if zero.
	ShutdownTimeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// NewHTTPServer creates a server that will listen on the configured
// TCP address. Call Serve to start accepting connections.
func NewHTTPServer(config HTTPServerConfig) *HTTPServer {
	if config.Address == "" {
		panic("service.HTTPServer: Address is required")
	}
	if config.Handler == nil {
		panic("service.HTTPServer: Handler is required")
	}
	if config.Logger == nil {
		panic("service.HTTPServer: Logger is required")
	}
	if config.Name == "" {
		config.Name = "http"
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 60 * time.Second
	}
	timeout := config.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &HTTPServer{
		name:            config.Name,
		address:         config.Address,
		handler:         config.Handler,
		logger:          config.Logger.With("server", config.Name),
		readTimeout:     config.ReadTimeout,
		writeTimeout:    config.WriteTimeout,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// Name returns the server's label.
func (s *HTTPServer) Name() string {
	return s.name
}

// Ready returns a channel that is closed once the server is bound
// and accepting connections.
func (s *HTTPServer) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready()
// is closed.
func (s *HTTPServer) Addr() net.Addr {
	return s.addr
}

// Serve starts accepting HTTP connections. Blocks until ctx is
// cancelled, then performs graceful shutdown: stops accepting new
// connections and waits up to ShutdownTimeout for active requests
// to complete.
func (s *HTTPServer) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("%s: listening on %s: %w", s.name, s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
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
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
		return fmt.Errorf("%s: shutdown: %w", s.name, err)
	}

	s.logger.Info("http server stopped")
	return nil
}

// Group serves several HTTPServers until ctx is cancelled or one of
// them fails.
type Group struct {
	servers []*HTTPServer
}

// Add registers server with the group. Add must not be called after
// Serve.
func (g *Group) Add(server *HTTPServer) {
	g.servers = append(g.servers, server)
}

// Servers returns the registered servers in the order they were added.
func (g *Group) Servers() []*HTTPServer {
	return g.servers
}

// Serve runs every server and returns the first error, after all of
// them have shut down.
func (g *Group) Serve(ctx context.Context) error {
	if len(g.servers) == 0 {
		return errors.New("service: no servers to run")
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, server := range g.servers {
		group.Go(func() error {
			return server.Serve(groupCtx)
		})
	}
	return group.Wait()
}

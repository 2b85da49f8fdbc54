// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/fluxsession/server"
)

// ErrShutdownTimeout is returned when open connections outlive the shutdown timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

const acceptBackoff = 5 * time.Millisecond

// Config holds the TCP server configuration.
type Config struct {
	Address         string
	TLSConfig       *tls.Config
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
	TCPKeepAlive    time.Duration
	// MaxConnections caps concurrently served connections, 0 is unlimited.
	MaxConnections int
	DisableNoDelay bool
}

// Server accepts TCP (or TLS) connections and hands each to a
// server.ConnHandler on its own goroutine.
type Server struct {
	config  Config
	handler server.ConnHandler
	logger  *slog.Logger
	wg      sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// New creates a TCP server that passes accepted connections to h.
func New(cfg Config, h server.ConnHandler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 15 * time.Second
	}

	return &Server{
		config:  cfg,
		handler: h,
		logger:  cfg.Logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the configured address and serves until ctx is cancelled.
// Open connections get ShutdownTimeout to finish before they are closed.
func (s *Server) Listen(ctx context.Context) error {
	lc := net.ListenConfig{KeepAlive: s.config.TCPKeepAlive}
	l, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	if s.config.TLSConfig != nil {
		l = tls.NewListener(l, s.config.TLSConfig)
	}
	s.logger.Info("tcp_server_started",
		slog.String("address", l.Addr().String()),
		slog.Bool("tls", s.config.TLSConfig != nil))

	return s.serve(ctx, l)
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) serve(ctx context.Context, l net.Listener) error {
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(connCtx, l)
	}()

	<-ctx.Done()
	s.logger.Info("tcp_server_stopping")
	if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Error("tcp_listener_close_failed", slog.String("error", err.Error()))
	}
	<-acceptDone

	return s.drain(connCancel)
}

func (s *Server) acceptLoop(connCtx context.Context, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("tcp_accept_failed", slog.String("error", err.Error()))
			time.Sleep(acceptBackoff)
			continue
		}

		if !s.admit(conn) {
			s.logger.Warn("tcp_connection_limit_reached",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.Int("max_connections", s.config.MaxConnections))
			conn.Close()
			continue
		}

		if !s.config.DisableNoDelay {
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
		}

		s.wg.Add(1)
		go s.handle(connCtx, conn)
	}
}

// admit registers conn unless the server is at MaxConnections.
func (s *Server) admit(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config.MaxConnections > 0 && len(s.conns) >= s.config.MaxConnections {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) release(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.release(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("tcp_connection_opened", slog.String("remote", remote))

	// Peer certificates are only available once the handshake completes.
	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.HandshakeContext(ctx); err != nil {
			s.logger.Warn("tls_handshake_failed",
				slog.String("remote", remote),
				slog.String("error", err.Error()))
			return
		}
	}

	s.handler.Serve(ctx, conn)
	s.logger.Debug("tcp_connection_closed", slog.String("remote", remote))
}

// drain waits for handlers to return. On timeout it cancels their context
// and closes the sockets so blocked reads fail.
func (s *Server) drain(connCancel context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		s.logger.Info("tcp_server_stopped")
		return nil
	case <-timer.C:
	}

	s.logger.Warn("tcp_shutdown_timeout", slog.Int("open_connections", s.openCount()))
	connCancel()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return ErrShutdownTimeout
}

func (s *Server) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Package server hosts the TCP listener that accepts memcache-protocol
// connections and binds each to a broker session, plus the optional
// Prometheus metrics HTTP endpoint.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/duramq/duramq/internal/broker"
	"github.com/duramq/duramq/internal/protocol/memcache"
	logpkg "github.com/duramq/duramq/pkg/log"
)

// Server accepts connections on a single TCP listener, driving each through
// a memcache.Adapter bound to a fresh broker.Session.
type Server struct {
	broker       *broker.Broker
	logger       logpkg.Logger
	maxItemBytes int

	onShutdown func()
	onReload   func() error

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closed   bool
}

// New builds a Server. onShutdown is called when any session issues
// `shutdown`; onReload backs `reload`.
func New(b *broker.Broker, logger logpkg.Logger, maxItemBytes int, onShutdown func(), onReload func() error) *Server {
	return &Server{broker: b, logger: logger.WithComponent(logpkg.ComponentServer), maxItemBytes: maxItemBytes, onShutdown: onShutdown, onReload: onReload}
}

// ListenAndServe binds addr and accepts connections until ctx is cancelled
// or Close is called. It blocks until every in-flight session has finished.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("listening", logpkg.Str("addr", addr))

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	session := s.broker.NewSession(conn.RemoteAddr().String())
	logger := s.logger.WithComponent(logpkg.ComponentProtocol).With(logpkg.Int("session", int(session.ID())))

	adapter := memcache.New(session, conn, conn, logger, s.maxItemBytes, func() {
		s.onShutdownTriggered()
	}, s.onReload)

	if err := adapter.Serve(ctx); err != nil {
		logger.Debug("session ended", logpkg.Err(err))
	}
}

func (s *Server) onShutdownTriggered() {
	if s.onShutdown != nil {
		s.onShutdown()
	}
	s.Close()
}

// Close stops accepting new connections. In-flight sessions are given a
// chance to finish; it does not forcibly close their connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Wait blocks until every accepted connection's handler has returned, up to
// the given grace period; it returns true if it completed within budget.
func (s *Server) Wait(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

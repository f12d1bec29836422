// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

// Package ws provides the WebSocket transport adapter.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Server accepts WebSocket connections and hands each one to its own
// handler goroutine.
type Server struct {
	addr string
	core *Core

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu       sync.RWMutex
	listener net.Listener
	baseCtx  context.Context
	conns    map[*Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a WebSocket server for the given listen address.
func NewServer(addr string, core *Core) *Server {
	s := &Server{
		addr: addr,
		core: core,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement belongs to the fronting proxy; the token
			// check guards the session itself.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*Conn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run starts the server and blocks until the context is cancelled. Live
// connections are closed and drained before Run returns.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.baseCtx = ctx
	s.mu.Unlock()

	slog.Info("WebSocket server started", "addr", listener.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("serve failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Debug("http shutdown error", "error", err)
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	slog.Info("WebSocket server stopped")
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(sock)
	s.track(conn)

	slog.Debug("connection established",
		"conn_id", conn.id.String(),
		"remote", r.RemoteAddr)

	// The request context dies when this handler returns; the connection
	// outlives it, so handlers run under the server's context instead.
	s.mu.RLock()
	ctx := s.baseCtx
	s.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(conn)
		newConnHandler(s.core, conn).handle(ctx)
	}()
}

func (s *Server) track(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

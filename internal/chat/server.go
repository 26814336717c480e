package chat

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type Config struct {
	Addr          string
	WebSocketAddr string        // empty disables the WebSocket endpoint
	IdleTimeout   time.Duration // 0 disables the read-idle timeout
	OutboundQueue int
	Registry      RegistryConfig
}

type Server struct {
	cfg        Config
	logger     *slog.Logger
	reg        *Registry
	listener   net.Listener
	wsListener net.Listener
	httpSrv    *http.Server
}

func NewServer(cfg Config, store HistoryStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		reg:    NewRegistry(cfg.Registry, store, logger),
	}
}

// Registry exposes the roster to the admin console.
func (s *Server) Registry() *Registry {
	return s.reg
}

// Addr returns the bound TCP address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// WebSocketAddr returns the bound WebSocket address, or nil when disabled.
func (s *Server) WebSocketAddr() net.Addr {
	if s.wsListener == nil {
		return nil
	}
	return s.wsListener.Addr()
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	if s.cfg.WebSocketAddr != "" {
		if err := s.startWebSocket(); err != nil {
			ln.Close()
			return err
		}
	}

	go s.reg.Run()
	go s.acceptLoop(ln)

	s.logger.Info("server started", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Stop() {
	s.logger.Info("shutting down")

	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.httpSrv.Shutdown(ctx)
		cancel()
	}

	s.reg.Stop()
	s.reg.Wait()

	s.logger.Info("shutdown complete")
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("accept failed", "error", err)
			}
			return
		}

		s.logger.Info("client connected", "addr", conn.RemoteAddr().String())
		s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	c := NewClient(conn, s.cfg.OutboundQueue)
	go HandleSession(c, s.reg, s.cfg.IdleTimeout, s.logger)
}

// Package server wires the relay components into a runnable service:
// the SOCKS5 front end, the UDP relay engine, the resolver and the
// optional health endpoint.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/coinstash/udprelay/internal/config"
	"github.com/coinstash/udprelay/internal/health"
	"github.com/coinstash/udprelay/internal/logging"
	"github.com/coinstash/udprelay/internal/metrics"
	"github.com/coinstash/udprelay/internal/relay"
	"github.com/coinstash/udprelay/internal/resolver"
	"github.com/coinstash/udprelay/internal/socks5"
)

// Server is the assembled udprelay service.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	engine *relay.Engine
	socks  *socks5.Server
	health *health.Server

	running atomic.Bool
}

// New builds a server from configuration. Nothing is bound until Start.
func New(cfg *config.Config) (*Server, error) {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	m := metrics.Default()

	res := resolver.New(resolver.Config{
		Servers: cfg.DNS.Servers,
		Timeout: cfg.DNS.Timeout,
	})

	var bindIP net.IP
	if cfg.Relay.BindIP != "" {
		bindIP = net.ParseIP(cfg.Relay.BindIP)
		if bindIP == nil {
			return nil, fmt.Errorf("invalid relay bind IP: %s", cfg.Relay.BindIP)
		}
	}

	engine := relay.NewEngine(relay.Config{
		MaxAssociations: cfg.Relay.MaxAssociations,
		IdleTimeout:     cfg.Relay.IdleTimeout,
		ReapInterval:    cfg.Relay.ReapInterval,
		MaxDatagramSize: cfg.Relay.MaxDatagramSize,
		BindIP:          bindIP,
	}, res, logger, m)

	auths := socks5.BuildAuthenticators(socks5.AuthConfig{
		Enabled:  cfg.SOCKS5.Auth.Enabled,
		Required: cfg.SOCKS5.Auth.Required,
		Users:    cfg.SOCKS5.Auth.UserMap(),
	})

	socks := socks5.NewServer(socks5.ServerConfig{
		Address:          cfg.SOCKS5.Address,
		MaxConnections:   cfg.SOCKS5.MaxConnections,
		HandshakeTimeout: cfg.SOCKS5.HandshakeTimeout,
		Authenticators:   auths,
		Associator:       engine,
	}, logger, m)

	s := &Server{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		socks:  socks,
	}

	if cfg.Health.Enabled {
		s.health = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, s)
	}

	return s, nil
}

// Start brings up the relay engine, the SOCKS5 listener and the health
// endpoint.
func (s *Server) Start() error {
	s.engine.Start()

	if err := s.socks.Start(); err != nil {
		s.engine.Close()
		return fmt.Errorf("start SOCKS5 server: %w", err)
	}

	if s.health != nil {
		if err := s.health.Start(); err != nil {
			s.socks.Stop()
			s.engine.Close()
			return fmt.Errorf("start health server: %w", err)
		}
		s.logger.Info("health server listening", "address", s.health.Address().String())
	}

	s.running.Store(true)
	return nil
}

// Stop shuts everything down: listener first so no new sessions
// arrive, then the engine, then the health endpoint.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	err := s.socks.Stop()

	if cerr := s.engine.Close(); cerr != nil && err == nil {
		err = cerr
	}

	if s.health != nil {
		if herr := s.health.Stop(); herr != nil && err == nil {
			err = herr
		}
	}

	return err
}

// StopWithContext stops with a deadline.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the server is serving.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SOCKS5Address returns the bound SOCKS5 listener address, nil before
// Start.
func (s *Server) SOCKS5Address() net.Addr {
	return s.socks.Address()
}

// Stats implements health.StatsProvider.
func (s *Server) Stats() health.Stats {
	return health.Stats{
		AssociationCount: s.engine.ActiveCount(),
		ConnectionCount:  int(s.socks.ConnectionCount()),
		SOCKS5Running:    s.socks.IsRunning(),
	}
}

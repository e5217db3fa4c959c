package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coinstash/udprelay/internal/logging"
	"github.com/coinstash/udprelay/internal/metrics"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:1080")
	Address string

	// MaxConnections limits concurrent control connections (0 = unlimited)
	MaxConnections int

	// HandshakeTimeout bounds the auth and request phase of a new
	// connection. UDP ASSOCIATE sessions clear the deadline afterwards.
	HandshakeTimeout time.Duration

	// Authenticators for authentication
	Authenticators []Authenticator

	// Associator backs UDP ASSOCIATE requests (nil disables UDP)
	Associator Associator

	// Dialer for outbound CONNECT connections
	Dialer Dialer
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:          "127.0.0.1:1080",
		MaxConnections:   1000,
		HandshakeTimeout: 30 * time.Second,
		Authenticators:   []Authenticator{NoAuth{}},
		Dialer:           DirectDialer{},
	}
}

// Server accepts SOCKS5 control connections and dispatches them to a
// Handler. Each connection gets a unique control ID that keys its UDP
// association, if it opens one.
type Server struct {
	cfg      ServerConfig
	handler  *Handler
	listener net.Listener
	logger   *slog.Logger
	metrics  *metrics.Metrics

	tracker       *connTracker[net.Conn]
	nextControlID atomic.Uint64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a new SOCKS5 server.
func NewServer(cfg ServerConfig, logger *slog.Logger, m *metrics.Metrics) *Server {
	if len(cfg.Authenticators) == 0 {
		cfg.Authenticators = []Authenticator{NoAuth{}}
	}

	handler := NewHandler(cfg.Authenticators, cfg.Associator, logger, m)
	if cfg.Dialer != nil {
		handler.SetDialer(cfg.Dialer)
	}

	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(slog.String(logging.KeyComponent, "socks5")),
		metrics: m,
		tracker: newConnTracker[net.Conn](),
		stopCh:  make(chan struct{}),
	}
}

// Start begins listening and accepting connections.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.logger.Info("listening", "address", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the server, closing the listener and all
// active control connections. Associations tied to those connections
// are torn down by their handlers as the connections close.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.tracker.closeAll()
	})

	s.wg.Wait()
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

// Address returns the listening address, nil before Start.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active control connections.
func (s *Server) ConnectionCount() int64 {
	return s.tracker.count()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("accept failed", logging.KeyError, err)
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.tracker.count() >= int64(s.cfg.MaxConnections) {
			s.logger.Warn("connection limit reached, rejecting",
				logging.KeyRemoteAddr, conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.tracker.add(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)
	defer conn.Close()

	controlID := s.nextControlID.Add(1)

	s.metrics.RecordSOCKS5Connect()
	defer s.metrics.RecordSOCKS5Disconnect()

	if s.cfg.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}

	if err := s.handler.Handle(conn, controlID); err != nil {
		s.logger.Debug("session ended with error",
			logging.KeyControlID, controlID,
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyError, err)
	}
}

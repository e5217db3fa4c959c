package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/coinstash/udprelay/internal/config"
)

func newTestConfig() *config.Config {
	cfg := config.Default()
	cfg.SOCKS5.Address = "127.0.0.1:0"
	cfg.Relay.BindIP = "127.0.0.1"
	return cfg
}

func TestServer_StartStop(t *testing.T) {
	srv, err := New(newTestConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !srv.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if srv.SOCKS5Address() == nil {
		t.Error("SOCKS5Address() = nil after Start")
	}

	stats := srv.Stats()
	if stats.AssociationCount != 0 {
		t.Errorf("AssociationCount = %d, want 0", stats.AssociationCount)
	}
	if !stats.SOCKS5Running {
		t.Error("SOCKS5Running = false")
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if srv.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}

	// Stop is idempotent.
	if err := srv.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestServer_HandlesSession(t *testing.T) {
	srv, err := New(newTestConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.SOCKS5Address().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// No-auth greeting.
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("read method selection: %v", err)
	}
	if resp[0] != 0x05 || resp[1] != 0x00 {
		t.Fatalf("method selection = %v, want [5 0]", resp)
	}

	// UDP ASSOCIATE with wildcard client address.
	req := []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != 0x00 {
		t.Fatalf("reply code = %d, want 0", reply[1])
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Stats().AssociationCount == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := srv.Stats().AssociationCount; got != 1 {
		t.Errorf("AssociationCount = %d, want 1", got)
	}
}

func TestServer_StopWithContext(t *testing.T) {
	srv, err := New(newTestConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.StopWithContext(ctx); err != nil {
		t.Fatalf("StopWithContext() error = %v", err)
	}
}

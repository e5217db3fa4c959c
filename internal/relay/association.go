// Package relay implements the server side of SOCKS5 UDP ASSOCIATE:
// per-client relay sockets, the shared association table and the
// forwarding engine.
package relay

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Association is one client's UDP relay session. It is created when a
// control connection issues UDP ASSOCIATE and lives until that
// connection closes or the idle reaper evicts it.
type Association struct {
	// ID is unique for the process lifetime.
	ID uint64

	// ControlID identifies the owning TCP control connection.
	ControlID uint64

	// relayConn receives framed datagrams from the SOCKS5 client and
	// carries framed replies back. Never shared between associations.
	relayConn *net.UDPConn

	// outConn carries plain payloads to and from targets. Bound once so
	// the source port stays stable for the association's lifetime.
	outConn *net.UDPConn

	mu             sync.RWMutex
	expectedClient *net.UDPAddr // from the ASSOCIATE request, nil = wildcard
	clientAddr     *net.UDPAddr // learned from the first datagram
	createdAt      time.Time
	lastActivity   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func newAssociation(parent context.Context, id, controlID uint64, relayConn, outConn *net.UDPConn, expectedClient *net.UDPAddr) *Association {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()

	return &Association{
		ID:             id,
		ControlID:      controlID,
		relayConn:      relayConn,
		outConn:        outConn,
		expectedClient: expectedClient,
		createdAt:      now,
		lastActivity:   now,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// RelayAddr returns the local address of the client-facing relay socket.
// Its port goes into the UDP ASSOCIATE reply.
func (a *Association) RelayAddr() *net.UDPAddr {
	return a.relayConn.LocalAddr().(*net.UDPAddr)
}

// ClientAddr returns the learned client peer address, or nil if no
// datagram has arrived yet.
func (a *Association) ClientAddr() *net.UDPAddr {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.clientAddr
}

// AcceptClient decides whether a datagram from src belongs to this
// association. The first acceptable source locks the client address in;
// later datagrams from any other source are rejected (spoofing guard).
// If the ASSOCIATE request named a non-wildcard client address, the
// first source must match its IP.
func (a *Association) AcceptClient(src *net.UDPAddr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.clientAddr == nil {
		if a.expectedClient != nil && a.expectedClient.IP != nil && !a.expectedClient.IP.IsUnspecified() {
			if !src.IP.Equal(a.expectedClient.IP) {
				return false
			}
		}
		a.clientAddr = src
		return true
	}

	return src.IP.Equal(a.clientAddr.IP) && src.Port == a.clientAddr.Port
}

// Touch updates the last-activity timestamp.
func (a *Association) Touch() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastActivity = time.Now()
}

// IsExpired reports whether the association has been idle longer than
// maxIdle. A zero maxIdle disables expiry.
func (a *Association) IsExpired(maxIdle time.Duration) bool {
	if maxIdle == 0 {
		return false
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	return time.Since(a.lastActivity) > maxIdle
}

// IsClosed returns true once Close has been called.
func (a *Association) IsClosed() bool {
	return a.closed.Load()
}

// Context is canceled when the association is torn down.
func (a *Association) Context() context.Context {
	return a.ctx
}

// Close tears the association down: cancels the context and closes both
// sockets so in-flight reads return promptly. Safe to call repeatedly
// and to race with datagram processing.
func (a *Association) Close() error {
	if a.closed.Swap(true) {
		return nil
	}

	a.cancel()

	if err := a.relayConn.Close(); err != nil {
		a.outConn.Close()
		return err
	}
	return a.outConn.Close()
}

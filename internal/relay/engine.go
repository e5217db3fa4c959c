package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coinstash/udprelay/internal/codec"
	"github.com/coinstash/udprelay/internal/logging"
	"github.com/coinstash/udprelay/internal/metrics"
	"github.com/coinstash/udprelay/internal/resolver"
)

// Config holds relay engine settings.
type Config struct {
	// MaxAssociations caps concurrent associations. 0 means unlimited.
	// New ASSOCIATE requests beyond the cap fail; existing sessions are
	// never evicted.
	MaxAssociations int

	// IdleTimeout is how long an association may sit without traffic
	// before the reaper removes it. 0 disables idle eviction.
	IdleTimeout time.Duration

	// ReapInterval is the sweep period. Defaults to IdleTimeout/2.
	ReapInterval time.Duration

	// MaxDatagramSize bounds the client-facing receive buffer.
	MaxDatagramSize int

	// BindIP is the address the relay sockets bind to. Defaults to
	// 0.0.0.0.
	BindIP net.IP
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAssociations: 1000,
		IdleTimeout:     5 * time.Minute,
		MaxDatagramSize: 65535,
	}
}

// maxHeaderSize is the largest SOCKS5 UDP header: RSV+FRAG+ATYP plus a
// length-prefixed 255-byte domain and the port.
const maxHeaderSize = 4 + 1 + 255 + 2

// Engine owns the relay sockets and drives datagram forwarding. Each
// association gets its own socket pair and goroutine pair; the only
// cross-association state is the Table.
type Engine struct {
	cfg      Config
	table    *Table
	resolver *resolver.Resolver
	logger   *slog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewEngine creates a relay engine.
func NewEngine(cfg Config, res *resolver.Resolver, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if cfg.MaxDatagramSize == 0 {
		cfg.MaxDatagramSize = DefaultConfig().MaxDatagramSize
	}
	if cfg.ReapInterval == 0 && cfg.IdleTimeout > 0 {
		cfg.ReapInterval = cfg.IdleTimeout / 2
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:      cfg,
		table:    NewTable(cfg.MaxAssociations),
		resolver: res,
		logger:   logger.With(slog.String(logging.KeyComponent, "relay")),
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Table exposes the association table.
func (e *Engine) Table() *Table {
	return e.table
}

// ActiveCount returns the number of live associations.
func (e *Engine) ActiveCount() int {
	return e.table.Len()
}

// Start launches the idle reaper. Associations can be opened before
// Start; only the background sweep depends on it.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		if e.cfg.IdleTimeout > 0 {
			e.wg.Add(1)
			go e.reapLoop()
		}
	})
}

// Open allocates an association for a control connection: binds the
// client-facing relay socket and the target-facing outbound socket,
// registers the association and starts its forwarding loops. The
// returned association's RelayAddr goes into the SOCKS5 reply.
func (e *Engine) Open(controlID uint64, expectedClient *net.UDPAddr) (*Association, error) {
	bindIP := e.cfg.BindIP
	if bindIP == nil {
		bindIP = net.IPv4zero
	}

	// udp4 keeps the relay off dual-stack sockets, which would report
	// [::] as the bound address and confuse SOCKS5 clients.
	relayConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bindIP, Port: 0})
	if err != nil {
		e.metrics.RecordAssociationError("bind")
		return nil, fmt.Errorf("bind relay socket: %w", err)
	}

	outConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		relayConn.Close()
		e.metrics.RecordAssociationError("bind")
		return nil, fmt.Errorf("bind outbound socket: %w", err)
	}

	assoc := newAssociation(e.ctx, e.table.NextID(), controlID, relayConn, outConn, expectedClient)

	if err := e.table.Insert(assoc); err != nil {
		assoc.Close()
		switch err {
		case ErrDuplicateAssociation:
			e.metrics.RecordAssociationError("duplicate")
		case ErrAssociationLimit:
			e.metrics.RecordAssociationError("limit")
		}
		return nil, err
	}

	e.metrics.RecordAssociationOpen()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		g := new(errgroup.Group)
		g.Go(func() error { return e.clientLoop(assoc) })
		g.Go(func() error { return e.returnLoop(assoc) })
		g.Wait()

		e.release(assoc)
	}()

	e.logger.Info("association opened",
		logging.KeyAssociation, assoc.ID,
		logging.KeyControlID, controlID,
		logging.KeyRelayAddr, assoc.RelayAddr().String())

	return assoc, nil
}

// CloseByControl tears down the association owned by a control
// connection. Called by the SOCKS5 layer when the connection closes;
// a no-op if the association is already gone.
func (e *Engine) CloseByControl(controlID uint64) {
	assoc, err := e.table.LookupByControl(controlID)
	if err != nil {
		return
	}
	e.release(assoc)
}

// CloseAssociation evicts a single association by ID.
func (e *Engine) CloseAssociation(id uint64) {
	assoc, err := e.table.Get(id)
	if err != nil {
		return
	}
	e.release(assoc)
}

// Close shuts the engine down: every association is torn down and all
// forwarding loops are waited for.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() {
		e.cancel()
		for _, assoc := range e.table.All() {
			e.release(assoc)
		}
	})

	e.wg.Wait()
	return nil
}

// release removes an association from the table and closes its sockets.
// Idempotent; safe to race with in-flight datagram processing, which
// observes the closed sockets and exits.
func (e *Engine) release(assoc *Association) {
	removed := e.table.Remove(assoc.ID)
	assoc.Close()

	if removed {
		e.metrics.RecordAssociationClose()
		e.logger.Info("association closed",
			logging.KeyAssociation, assoc.ID,
			logging.KeyControlID, assoc.ControlID)
	}
}

// clientLoop receives framed datagrams from the SOCKS5 client, decodes
// them and forwards the payload to the resolved destination. Every
// failure drops the datagram and keeps the association alive; SOCKS5
// UDP has no per-datagram error reply path.
func (e *Engine) clientLoop(assoc *Association) error {
	buf := make([]byte, e.cfg.MaxDatagramSize+maxHeaderSize)

	for {
		select {
		case <-assoc.Context().Done():
			return nil
		default:
		}

		// Deadline tick so teardown is observed promptly even without
		// traffic.
		assoc.relayConn.SetReadDeadline(time.Now().Add(1 * time.Second))

		n, src, err := assoc.relayConn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if assoc.IsClosed() {
				return nil
			}
			continue
		}

		if !assoc.AcceptClient(src) {
			e.metrics.RecordDrop(metrics.DropSpoof)
			continue
		}

		assoc.Touch()

		frame, err := codec.Decode(buf[:n])
		if err != nil {
			e.metrics.RecordDrop(metrics.DropDecode)
			e.logger.Debug("dropping undecodable datagram",
				logging.KeyAssociation, assoc.ID,
				logging.KeyError, err)
			continue
		}

		// Reassembly is not implemented; fragments are dropped.
		if frame.Frag != 0 {
			e.metrics.RecordDrop(metrics.DropFragment)
			continue
		}

		dest, err := e.resolveDest(assoc, frame.Dest)
		if err != nil {
			e.metrics.RecordDrop(metrics.DropResolve)
			e.logger.Debug("dropping datagram for unresolvable destination",
				logging.KeyAssociation, assoc.ID,
				logging.KeyTargetAddr, frame.Dest.String(),
				logging.KeyError, err)
			continue
		}

		if _, err := assoc.outConn.WriteToUDP(frame.Payload, dest); err != nil {
			e.metrics.RecordDrop(metrics.DropSend)
			continue
		}

		e.metrics.RecordDatagram(metrics.DirClientToTarget, len(frame.Payload))
	}
}

// returnLoop receives replies on the outbound socket, frames them with
// the replying endpoint as DST and sends them to the learned client
// peer address.
func (e *Engine) returnLoop(assoc *Association) error {
	buf := make([]byte, e.cfg.MaxDatagramSize)

	for {
		select {
		case <-assoc.Context().Done():
			return nil
		default:
		}

		assoc.outConn.SetReadDeadline(time.Now().Add(1 * time.Second))

		n, remote, err := assoc.outConn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if assoc.IsClosed() {
				return nil
			}
			continue
		}

		client := assoc.ClientAddr()
		if client == nil {
			// Reply arrived before the client ever sent a datagram;
			// nowhere to deliver it.
			e.metrics.RecordDrop(metrics.DropClosed)
			continue
		}

		assoc.Touch()

		pkt := codec.Encode(&codec.Frame{
			Dest:    codec.AddressFromUDPAddr(remote),
			Payload: buf[:n],
		})

		if _, err := assoc.relayConn.WriteToUDP(pkt, client); err != nil {
			e.metrics.RecordDrop(metrics.DropSend)
			continue
		}

		e.metrics.RecordDatagram(metrics.DirTargetToClient, n)
	}
}

// resolveDest resolves a frame destination, recording DNS latency for
// domain names. Resolution blocks the association's loop, not other
// associations.
func (e *Engine) resolveDest(assoc *Association, dest codec.Address) (*net.UDPAddr, error) {
	if dest.Type != codec.AddrTypeDomain {
		return e.resolver.Resolve(assoc.Context(), dest)
	}

	start := time.Now()
	addr, err := e.resolver.Resolve(assoc.Context(), dest)
	if err == nil {
		e.metrics.RecordDNS(time.Since(start).Seconds())
	}
	return addr, err
}

// reapLoop periodically evicts idle associations.
func (e *Engine) reapLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			removed := e.table.ReapIdle(e.cfg.IdleTimeout)
			for _, assoc := range removed {
				assoc.Close()
				e.metrics.RecordAssociationClose()
				e.metrics.RecordAssociationReaped()
			}
			if len(removed) > 0 {
				e.logger.Info("reaped idle associations",
					logging.KeyCount, len(removed))
			}
		}
	}
}

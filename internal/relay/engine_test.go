package relay

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coinstash/udprelay/internal/codec"
	"github.com/coinstash/udprelay/internal/logging"
	"github.com/coinstash/udprelay/internal/metrics"
	"github.com/coinstash/udprelay/internal/resolver"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	e := NewEngine(cfg, resolver.New(resolver.DefaultConfig()), logging.NopLogger(), m)
	e.Start()
	t.Cleanup(func() { e.Close() })
	return e
}

// udpEcho binds a loopback listener that records received payloads and
// echoes each one back to the sender.
func udpEcho(t *testing.T) (*net.UDPAddr, func() [][]byte) {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("bind echo listener: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var mu sync.Mutex
	var received [][]byte

	go func() {
		buf := make([]byte, 65535)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			payload := append([]byte(nil), buf[:n]...)
			mu.Lock()
			received = append(received, payload)
			mu.Unlock()
			conn.WriteToUDP(payload, src)
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr), func() [][]byte {
		mu.Lock()
		defer mu.Unlock()
		return append([][]byte(nil), received...)
	}
}

func relayDest(t *testing.T, assoc *Association) *net.UDPAddr {
	t.Helper()
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: assoc.RelayAddr().Port}
}

func TestEngine_RelayRoundTrip(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	target, _ := udpEcho(t)

	assoc, err := e.Open(1, nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("bind client socket: %v", err)
	}
	defer client.Close()

	payload := []byte("knock knock")
	pkt := codec.Encode(&codec.Frame{
		Dest:    codec.AddressFromUDPAddr(target),
		Payload: payload,
	})
	if _, err := client.WriteToUDP(pkt, relayDest(t, assoc)); err != nil {
		t.Fatalf("send to relay: %v", err)
	}

	// The echo target replies; the relay frames it back to the client.
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 65535)
	n, _, err := client.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read framed reply: %v", err)
	}

	frame, err := codec.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Errorf("reply payload = %q, want %q", frame.Payload, payload)
	}
	if !frame.Dest.IP.Equal(target.IP) || frame.Dest.Port != uint16(target.Port) {
		t.Errorf("reply DST = %v, want %v", frame.Dest, target)
	}
}

func TestEngine_SpoofGuard(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	target, recorded := udpEcho(t)

	assoc, err := e.Open(1, nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	legit, _ := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	defer legit.Close()
	spoofer, _ := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	defer spoofer.Close()

	frame := &codec.Frame{Dest: codec.AddressFromUDPAddr(target), Payload: []byte("real")}
	legit.WriteToUDP(codec.Encode(frame), relayDest(t, assoc))

	// Give the legitimate packet time to lock in the client address.
	waitFor(t, time.Second, func() bool { return len(recorded()) == 1 })

	frame.Payload = []byte("fake")
	spoofer.WriteToUDP(codec.Encode(frame), relayDest(t, assoc))

	time.Sleep(200 * time.Millisecond)
	got := recorded()
	if len(got) != 1 || string(got[0]) != "real" {
		t.Errorf("target received %d datagrams %q, want just the legitimate one", len(got), got)
	}
}

func TestEngine_FragmentDropped(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	target, recorded := udpEcho(t)

	assoc, err := e.Open(1, nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	client, _ := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	defer client.Close()

	pkt := codec.Encode(&codec.Frame{
		Dest:    codec.AddressFromUDPAddr(target),
		Payload: []byte("fragment"),
	})
	pkt[2] = 0x01 // FRAG
	client.WriteToUDP(pkt, relayDest(t, assoc))

	time.Sleep(200 * time.Millisecond)
	if got := recorded(); len(got) != 0 {
		t.Errorf("target received %d datagrams, fragmented input should be dropped", len(got))
	}
}

func TestEngine_DuplicateControl(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	if _, err := e.Open(1, nil); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if _, err := e.Open(1, nil); !errors.Is(err, ErrDuplicateAssociation) {
		t.Errorf("second Open error = %v, want ErrDuplicateAssociation", err)
	}
}

func TestEngine_AssociationLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAssociations = 2
	e := newTestEngine(t, cfg)

	for i := uint64(1); i <= 2; i++ {
		if _, err := e.Open(i, nil); err != nil {
			t.Fatalf("Open(%d) error: %v", i, err)
		}
	}
	if _, err := e.Open(3, nil); !errors.Is(err, ErrAssociationLimit) {
		t.Errorf("Open error = %v, want ErrAssociationLimit", err)
	}
}

func TestEngine_CloseByControl(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	assoc, err := e.Open(1, nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	port := assoc.RelayAddr().Port

	e.CloseByControl(1)

	if !assoc.IsClosed() {
		t.Error("association should be closed after CloseByControl")
	}
	if _, err := e.Table().LookupByRelayPort(port); !errors.Is(err, ErrNotFound) {
		t.Errorf("LookupByRelayPort after close = %v, want ErrNotFound", err)
	}
	if e.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", e.ActiveCount())
	}

	// Idempotent for a connection with no association.
	e.CloseByControl(1)
}

func TestEngine_IdleReap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 150 * time.Millisecond
	cfg.ReapInterval = 25 * time.Millisecond
	e := newTestEngine(t, cfg)

	if _, err := e.Open(1, nil); err != nil {
		t.Fatalf("Open error: %v", err)
	}

	// Not reaped before the idle timeout elapses.
	time.Sleep(50 * time.Millisecond)
	if e.ActiveCount() != 1 {
		t.Fatal("association reaped before idle timeout")
	}

	waitFor(t, 2*time.Second, func() bool { return e.ActiveCount() == 0 })
}

func TestEngine_ConcurrentAssociations(t *testing.T) {
	const (
		numAssocs    = 4
		numDatagrams = 5
	)

	e := newTestEngine(t, DefaultConfig())

	type lane struct {
		target   *net.UDPAddr
		recorded func() [][]byte
		client   *net.UDPConn
		relay    *net.UDPAddr
	}

	lanes := make([]*lane, numAssocs)
	for i := range lanes {
		target, recorded := udpEcho(t)

		assoc, err := e.Open(uint64(i+1), nil)
		if err != nil {
			t.Fatalf("Open(%d) error: %v", i, err)
		}

		client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
		if err != nil {
			t.Fatalf("bind client: %v", err)
		}
		t.Cleanup(func() { client.Close() })

		lanes[i] = &lane{target: target, recorded: recorded, client: client, relay: relayDest(t, assoc)}
	}

	var wg sync.WaitGroup
	for i, l := range lanes {
		wg.Add(1)
		go func(i int, l *lane) {
			defer wg.Done()
			for j := 0; j < numDatagrams; j++ {
				pkt := codec.Encode(&codec.Frame{
					Dest:    codec.AddressFromUDPAddr(l.target),
					Payload: []byte(fmt.Sprintf("assoc-%d-msg-%d", i, j)),
				})
				l.client.WriteToUDP(pkt, l.relay)
				time.Sleep(5 * time.Millisecond)
			}
		}(i, l)
	}
	wg.Wait()

	for i, l := range lanes {
		lane := l
		waitFor(t, 3*time.Second, func() bool { return len(lane.recorded()) == numDatagrams })

		for _, payload := range l.recorded() {
			want := fmt.Sprintf("assoc-%d-", i)
			if !bytes.HasPrefix(payload, []byte(want)) {
				t.Errorf("lane %d received foreign datagram %q", i, payload)
			}
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

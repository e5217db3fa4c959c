package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/coinstash/udprelay/internal/logging"
	"github.com/coinstash/udprelay/internal/metrics"
)

// SOCKS5 protocol constants per RFC 1928.
const (
	SOCKS5Version = 0x05
)

// Command types.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Address types.
const (
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04
)

// Reply codes.
const (
	ReplySucceeded          = 0x00
	ReplyServerFailure      = 0x01
	ReplyNotAllowed         = 0x02
	ReplyNetworkUnreachable = 0x03
	ReplyHostUnreachable    = 0x04
	ReplyConnectionRefused  = 0x05
	ReplyTTLExpired         = 0x06
	ReplyCmdNotSupported    = 0x07
	ReplyAddrNotSupported   = 0x08
)

// halfCloser is implemented by connections supporting TCP half-close.
type halfCloser interface {
	CloseWrite() error
}

// Request is a parsed SOCKS5 request.
type Request struct {
	Version  byte
	Command  byte
	AddrType byte
	DestAddr string
	DestPort uint16
	DestIP   net.IP
}

// Handler processes authenticated SOCKS5 control connections.
type Handler struct {
	authenticators []Authenticator
	associator     Associator
	dialer         Dialer
	connectTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// Dialer makes outbound TCP connections for CONNECT.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DirectDialer dials destinations directly.
type DirectDialer struct{}

// DialContext makes a direct connection with context support.
func (DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// NewHandler creates a handler. A nil associator rejects UDP ASSOCIATE
// with command-not-supported.
func NewHandler(auths []Authenticator, associator Associator, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if len(auths) == 0 {
		auths = []Authenticator{NoAuth{}}
	}

	return &Handler{
		authenticators: auths,
		associator:     associator,
		dialer:         DirectDialer{},
		connectTimeout: 30 * time.Second,
		logger:         logger.With(slog.String(logging.KeyComponent, "socks5")),
		metrics:        m,
	}
}

// SetDialer overrides the CONNECT dialer.
func (h *Handler) SetDialer(d Dialer) {
	h.dialer = d
}

// Handle runs the SOCKS5 conversation on one control connection.
// controlID is the server-assigned identity of the connection; the UDP
// association it may create is keyed by it.
func (h *Handler) Handle(conn net.Conn, controlID uint64) error {
	user, err := h.authenticate(conn)
	if err != nil {
		h.metrics.RecordSOCKS5AuthFailure()
		return fmt.Errorf("authentication: %w", err)
	}

	req, err := h.readRequest(conn)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	h.logger.Debug("request received",
		logging.KeyControlID, controlID,
		"command", req.Command,
		"dest", net.JoinHostPort(req.DestAddr, strconv.Itoa(int(req.DestPort))),
		"user", user)

	switch req.Command {
	case CmdConnect:
		return h.handleConnect(conn, req)
	case CmdUDPAssociate:
		return h.handleAssociate(conn, controlID, req)
	default:
		h.sendReply(conn, ReplyCmdNotSupported, nil, 0)
		return fmt.Errorf("unsupported command: %d", req.Command)
	}
}

// handleConnect dials the destination and relays bytes both ways.
func (h *Handler) handleConnect(conn net.Conn, req *Request) error {
	targetAddr := net.JoinHostPort(req.DestAddr, strconv.Itoa(int(req.DestPort)))

	ctx, cancel := context.WithTimeout(context.Background(), h.connectTimeout)
	defer cancel()

	target, err := h.dialer.DialContext(ctx, "tcp", targetAddr)
	if err != nil {
		h.sendReply(conn, mapErrorToReply(err), nil, 0)
		return fmt.Errorf("dial %s: %w", targetAddr, err)
	}
	defer target.Close()

	localAddr := target.LocalAddr().(*net.TCPAddr)
	h.sendReply(conn, ReplySucceeded, localAddr.IP, uint16(localAddr.Port))

	conn.SetDeadline(time.Time{})
	target.SetDeadline(time.Time{})

	return pipe(conn, target)
}

// authenticate performs the method negotiation handshake.
func (h *Handler) authenticate(conn net.Conn) (string, error) {
	// +----+----------+----------+
	// |VER | NMETHODS | METHODS  |
	// +----+----------+----------+
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", err
	}

	if header[0] != SOCKS5Version {
		return "", fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}

	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", err
	}

	var selected Authenticator
	for _, auth := range h.authenticators {
		for _, m := range methods {
			if m == auth.Method() {
				selected = auth
				break
			}
		}
		if selected != nil {
			break
		}
	}

	if selected == nil {
		conn.Write([]byte{SOCKS5Version, AuthMethodNoAcceptable})
		return "", errors.New("no acceptable authentication method")
	}

	if _, err := conn.Write([]byte{SOCKS5Version, selected.Method()}); err != nil {
		return "", err
	}

	return selected.Authenticate(conn)
}

// readRequest reads and parses the SOCKS5 request.
func (h *Handler) readRequest(conn net.Conn) (*Request, error) {
	// +----+-----+-------+------+----------+----------+
	// |VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
	// +----+-----+-------+------+----------+----------+
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}

	if header[0] != SOCKS5Version {
		return nil, fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}

	req := &Request{
		Version:  header[0],
		Command:  header[1],
		AddrType: header[3],
	}

	switch req.AddrType {
	case AddrTypeIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return nil, err
		}
		req.DestIP = net.IP(addr)
		req.DestAddr = req.DestIP.String()

	case AddrTypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, err
		}
		if lenBuf[0] == 0 {
			h.sendReply(conn, ReplyServerFailure, nil, 0)
			return nil, errors.New("zero-length domain name")
		}
		domain := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(conn, domain); err != nil {
			return nil, err
		}
		req.DestAddr = string(domain)

	case AddrTypeIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return nil, err
		}
		req.DestIP = net.IP(addr)
		req.DestAddr = req.DestIP.String()

	default:
		h.sendReply(conn, ReplyAddrNotSupported, nil, 0)
		return nil, fmt.Errorf("unsupported address type: %d", req.AddrType)
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, err
	}
	req.DestPort = binary.BigEndian.Uint16(portBuf)

	return req, nil
}

// sendReply writes a SOCKS5 reply.
func (h *Handler) sendReply(conn net.Conn, reply byte, bindIP net.IP, bindPort uint16) error {
	// +----+-----+-------+------+----------+----------+
	// |VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
	// +----+-----+-------+------+----------+----------+
	var addrType byte
	var addrBytes []byte

	if ipv4 := bindIP.To4(); ipv4 != nil {
		addrType = AddrTypeIPv4
		addrBytes = ipv4
	} else if bindIP != nil {
		addrType = AddrTypeIPv6
		addrBytes = bindIP
	} else {
		addrType = AddrTypeIPv4
		addrBytes = make([]byte, 4) // 0.0.0.0
	}

	buf := make([]byte, 4+len(addrBytes)+2)
	buf[0] = SOCKS5Version
	buf[1] = reply
	buf[3] = addrType
	copy(buf[4:], addrBytes)
	binary.BigEndian.PutUint16(buf[4+len(addrBytes):], bindPort)

	_, err := conn.Write(buf)
	return err
}

// mapErrorToReply converts a dial error to the closest SOCKS5 reply code.
func mapErrorToReply(err error) byte {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReplyHostUnreachable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return ReplyTTLExpired
		}
		if opErr.Op == "dial" {
			return ReplyConnectionRefused
		}
	}

	return ReplyServerFailure
}

// pipe copies data bidirectionally, half-closing each side when the
// other direction finishes.
func pipe(client, target net.Conn) error {
	errCh := make(chan error, 2)

	copyHalf := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		if hc, ok := dst.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}

	go copyHalf(target, client)
	go copyHalf(client, target)

	err1 := <-errCh
	err2 := <-errCh

	if err1 != nil {
		return err1
	}
	return err2
}

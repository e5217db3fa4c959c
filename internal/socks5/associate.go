package socks5

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/coinstash/udprelay/internal/relay"
)

// ErrUDPDisabled is returned when a client requests UDP ASSOCIATE but
// no relay engine is wired in.
var ErrUDPDisabled = errors.New("UDP relay is disabled")

// Associator is the relay engine as seen from the control session: it
// allocates an association for an authenticated control connection and
// tears it down when that connection goes away.
type Associator interface {
	// Open creates an association owned by controlID. expectedClient is
	// the client address announced in the ASSOCIATE request, nil for
	// the usual 0.0.0.0:0 wildcard.
	Open(controlID uint64, expectedClient *net.UDPAddr) (*relay.Association, error)

	// CloseByControl removes the association owned by controlID, if any.
	CloseByControl(controlID uint64)
}

// handleAssociate services UDP ASSOCIATE (RFC 1928 Section 4): it
// allocates a relay association, reports the bound relay endpoint in
// the reply and then holds the control connection open. Per RFC 1928
// the association lives exactly as long as this TCP connection.
func (h *Handler) handleAssociate(conn net.Conn, controlID uint64, req *Request) error {
	if h.associator == nil {
		h.sendReply(conn, ReplyCmdNotSupported, nil, 0)
		return ErrUDPDisabled
	}

	// The client MAY announce the address it will send from; 0.0.0.0:0
	// means it does not know yet.
	var expectedClient *net.UDPAddr
	if req.DestIP != nil && !req.DestIP.IsUnspecified() {
		expectedClient = &net.UDPAddr{IP: req.DestIP, Port: int(req.DestPort)}
	}

	assoc, err := h.associator.Open(controlID, expectedClient)
	if err != nil {
		h.sendReply(conn, ReplyServerFailure, nil, 0)
		return fmt.Errorf("open association: %w", err)
	}

	// Reply with the IP the client already reached us on; the relay
	// socket itself is bound to the wildcard address.
	replyIP := net.IPv4(127, 0, 0, 1)
	if tcpLocal, ok := conn.LocalAddr().(*net.TCPAddr); ok && !tcpLocal.IP.IsUnspecified() {
		replyIP = tcpLocal.IP
	}

	if err := h.sendReply(conn, ReplySucceeded, replyIP, uint16(assoc.RelayAddr().Port)); err != nil {
		h.associator.CloseByControl(controlID)
		return fmt.Errorf("send reply: %w", err)
	}

	conn.SetDeadline(time.Time{})

	// Block until the control connection closes, then tear down.
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}

	h.associator.CloseByControl(controlID)
	return nil
}

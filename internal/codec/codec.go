// Package codec encodes and decodes the SOCKS5 UDP request header
// defined in RFC 1928 Section 7.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Address types per RFC 1928.
const (
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04
)

// Decode errors.
var (
	// ErrMalformedHeader is returned when a datagram is shorter than the
	// fixed RSV+FRAG+ATYP prefix.
	ErrMalformedHeader = errors.New("malformed SOCKS5 UDP header")

	// ErrUnsupportedAddressType is returned for ATYP values outside
	// {IPv4, Domain, IPv6}.
	ErrUnsupportedAddressType = errors.New("unsupported address type")

	// ErrTruncatedAddress is returned when the declared address does not
	// fit in the remaining bytes.
	ErrTruncatedAddress = errors.New("truncated destination address")

	// ErrTruncatedPort is returned when the datagram ends before the
	// 2-byte destination port.
	ErrTruncatedPort = errors.New("truncated destination port")
)

// Address is the destination of a datagram: an IPv4/IPv6 literal or a
// domain name, plus a port. Exactly one of IP and Domain is set,
// according to Type.
type Address struct {
	Type   byte
	IP     net.IP
	Domain string
	Port   uint16
}

// AddressFromUDPAddr builds an Address from a concrete UDP endpoint.
func AddressFromUDPAddr(addr *net.UDPAddr) Address {
	if ip4 := addr.IP.To4(); ip4 != nil {
		return Address{Type: AddrTypeIPv4, IP: ip4, Port: uint16(addr.Port)}
	}
	return Address{Type: AddrTypeIPv6, IP: addr.IP.To16(), Port: uint16(addr.Port)}
}

// Host returns the address part without the port.
func (a Address) Host() string {
	if a.Type == AddrTypeDomain {
		return a.Domain
	}
	return a.IP.String()
}

// String returns the address in host:port form.
func (a Address) String() string {
	return net.JoinHostPort(a.Host(), fmt.Sprintf("%d", a.Port))
}

// Frame is a decoded SOCKS5 UDP datagram: fragment number, destination
// and raw payload.
//
// UDP Request Header:
//
//	+----+------+------+----------+----------+----------+
//	|RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
//	+----+------+------+----------+----------+----------+
//	| 2  |  1   |  1   | Variable |    2     | Variable |
//	+----+------+------+----------+----------+----------+
type Frame struct {
	Frag    byte
	Dest    Address
	Payload []byte
}

// Decode parses a raw datagram into a Frame. The returned payload
// aliases data; callers that reuse the receive buffer must copy it
// before the next read.
//
// Decode is lenient about the RSV field (any value is accepted) and
// does not reject nonzero FRAG values; fragment handling is the
// caller's policy.
func Decode(data []byte) (*Frame, error) {
	if len(data) < 4 {
		return nil, ErrMalformedHeader
	}

	f := &Frame{
		Frag: data[2],
		Dest: Address{Type: data[3]},
	}

	offset := 4

	switch f.Dest.Type {
	case AddrTypeIPv4:
		if len(data) < offset+4 {
			return nil, ErrTruncatedAddress
		}
		f.Dest.IP = net.IP(data[offset : offset+4])
		offset += 4

	case AddrTypeDomain:
		if len(data) < offset+1 {
			return nil, ErrTruncatedAddress
		}
		domainLen := int(data[offset])
		offset++
		if len(data) < offset+domainLen {
			return nil, ErrTruncatedAddress
		}
		f.Dest.Domain = string(data[offset : offset+domainLen])
		offset += domainLen

	case AddrTypeIPv6:
		if len(data) < offset+16 {
			return nil, ErrTruncatedAddress
		}
		f.Dest.IP = net.IP(data[offset : offset+16])
		offset += 16

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAddressType, f.Dest.Type)
	}

	if len(data) < offset+2 {
		return nil, ErrTruncatedPort
	}
	f.Dest.Port = binary.BigEndian.Uint16(data[offset:])
	offset += 2

	f.Payload = data[offset:]
	return f, nil
}

// Encode serializes a Frame into wire format. The emitted header always
// carries RSV=0x0000 and FRAG=0; this relay never originates fragmented
// replies. The caller guarantees the frame's address is well formed.
func Encode(f *Frame) []byte {
	var addr []byte
	switch f.Dest.Type {
	case AddrTypeDomain:
		addr = make([]byte, 1+len(f.Dest.Domain))
		addr[0] = byte(len(f.Dest.Domain))
		copy(addr[1:], f.Dest.Domain)
	case AddrTypeIPv6:
		addr = f.Dest.IP.To16()
	default:
		addr = f.Dest.IP.To4()
	}

	// RSV(2) + FRAG(1) + ATYP(1) + ADDR(var) + PORT(2) + payload
	buf := make([]byte, 4+len(addr)+2+len(f.Payload))
	buf[3] = f.Dest.Type
	copy(buf[4:], addr)
	binary.BigEndian.PutUint16(buf[4+len(addr):], f.Dest.Port)
	copy(buf[4+len(addr)+2:], f.Payload)

	return buf
}

// Package resolver turns datagram destinations into concrete UDP
// endpoints. Resolution is always fresh: callers that want caching
// wrap the resolver themselves.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/coinstash/udprelay/internal/codec"
)

// ErrResolveTimeout is returned when name resolution does not complete
// within the configured timeout.
var ErrResolveTimeout = errors.New("resolve timeout")

// ErrNoAddresses is returned when a lookup succeeds but yields no
// usable addresses.
var ErrNoAddresses = errors.New("no addresses found")

// Config contains resolver settings.
type Config struct {
	// Servers lists explicit DNS servers ("host:port"). Empty means the
	// system resolver, which also covers local domains like printer.local.
	Servers []string

	// Timeout bounds a single resolution.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Servers: []string{},
		Timeout: 5 * time.Second,
	}
}

// Resolver resolves datagram destination addresses.
type Resolver struct {
	cfg    Config
	dialer *net.Dialer
	lookup *net.Resolver
}

// New creates a resolver. If no servers are configured, the system
// resolver is used.
func New(cfg Config) *Resolver {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	r := &Resolver{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.Timeout},
	}

	if len(cfg.Servers) > 0 {
		r.lookup = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				var lastErr error
				for _, server := range r.cfg.Servers {
					conn, err := r.dialer.DialContext(ctx, "udp", server)
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
				return nil, lastErr
			},
		}
	} else {
		r.lookup = net.DefaultResolver
	}

	return r
}

// Resolve maps a destination to a UDP endpoint. IP literals return
// immediately; domain names go through DNS with the configured timeout.
func (r *Resolver) Resolve(ctx context.Context, dest codec.Address) (*net.UDPAddr, error) {
	if dest.Type != codec.AddrTypeDomain {
		return &net.UDPAddr{IP: dest.IP, Port: int(dest.Port)}, nil
	}

	resolveCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	addrs, err := r.lookup.LookupIPAddr(resolveCtx, dest.Domain)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || resolveCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s", ErrResolveTimeout, dest.Domain)
		}
		return nil, fmt.Errorf("resolve %s: %w", dest.Domain, err)
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddresses, dest.Domain)
	}

	// Prefer IPv4
	ip := addrs[0].IP
	for _, addr := range addrs {
		if ip4 := addr.IP.To4(); ip4 != nil {
			ip = ip4
			break
		}
	}

	return &net.UDPAddr{IP: ip, Port: int(dest.Port)}, nil
}

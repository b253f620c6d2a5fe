// Package transport moves raw SIP messages over UDP, TCP and TLS.
//
// A Transport owns one listening socket. The Layer multiplexes several
// transports, parses inbound datagrams and stream frames into sip.Message
// values and picks the outbound transport by network name.
package transport

import (
	"context"
	"log/slog"
	"net"
	"strings"
)

// Network names.
const (
	UDP = "udp"
	TCP = "tcp"
	TLS = "tls"
)

// Handler receives one raw message read from the network.
type Handler func(src string, data []byte)

// Transport is a single listening SIP transport.
type Transport interface {
	// Network returns the lowercase network name: udp, tcp or tls.
	Network() string
	// Reliable reports whether the transport guarantees delivery.
	Reliable() bool
	// LocalAddr returns the bound address.
	LocalAddr() net.Addr
	// Send writes one complete message to addr.
	Send(ctx context.Context, addr string, data []byte) error
	// Serve reads messages until ctx is done or the transport is closed.
	Serve(ctx context.Context, h Handler) error
	// Close releases the socket. Safe to call more than once.
	Close() error
}

// Resolver maps a host:port string to a net.Addr the transport can write to.
type Resolver func(addr string) (net.Addr, error)

// Option configures a transport.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	resolver Resolver
}

func buildOptions(network string, opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With(slog.String("transport", network))
	return o
}

// WithLogger sets the logger used by the transport.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithResolver overrides how UDP destinations are resolved.
func WithResolver(r Resolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// IsReliable reports whether the named network is connection oriented.
func IsReliable(network string) bool {
	switch strings.ToLower(network) {
	case TCP, TLS, "ws", "wss":
		return true
	default:
		return false
	}
}

// DefaultPort returns the SIP default port for the network.
func DefaultPort(network string) int {
	if strings.EqualFold(network, TLS) {
		return 5061
	}
	return 5060
}

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
)

// maxDatagram is the largest UDP payload we read.
const maxDatagram = 65535

// UDPTransport sends and receives SIP datagrams on one net.PacketConn.
type UDPTransport struct {
	conn     net.PacketConn
	resolver Resolver
	log      *slog.Logger
	closed   atomic.Bool
}

// ListenUDP binds a UDP socket on addr with SO_REUSEADDR.
func ListenUDP(ctx context.Context, addr string, opts ...Option) (*UDPTransport, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}
	conn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, errtrace.Wrap(newNetworkError("listen", UDP, addr, err))
	}
	return NewUDPTransport(conn, opts...), nil
}

// NewUDPTransport wraps an existing packet connection, e.g. a memnet.PacketConn.
func NewUDPTransport(conn net.PacketConn, opts ...Option) *UDPTransport {
	o := buildOptions(UDP, opts)
	if o.resolver == nil {
		o.resolver = func(addr string) (net.Addr, error) {
			return net.ResolveUDPAddr("udp", addr)
		}
	}
	return &UDPTransport{conn: conn, resolver: o.resolver, log: o.logger}
}

func (t *UDPTransport) Network() string     { return UDP }
func (t *UDPTransport) Reliable() bool      { return false }
func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// Send writes one datagram to addr.
func (t *UDPTransport) Send(ctx context.Context, addr string, data []byte) error {
	if t.closed.Load() {
		return errtrace.Wrap(newNetworkError("send", UDP, addr, ErrClosed))
	}
	if err := ctx.Err(); err != nil {
		return errtrace.Wrap(err)
	}

	dst, err := t.resolver(addr)
	if err != nil {
		return errtrace.Wrap(newNetworkError("resolve", UDP, addr, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := t.conn.WriteTo(data, dst); err != nil {
		return errtrace.Wrap(newNetworkError("send", UDP, addr, err))
	}
	return nil
}

// Serve reads datagrams and passes each to h until ctx is done or Close.
func (t *UDPTransport) Serve(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := t.conn.ReadFrom(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			t.log.Error("udp read failed", slog.Any("error", err))
			return errtrace.Wrap(newNetworkError("read", UDP, "", err))
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		h(from.String(), data)
	}
}

// Close closes the socket.
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

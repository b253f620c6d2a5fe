package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"
)

// StreamTransport carries SIP over TCP or TLS. Connections are kept per
// remote address and reused for later sends in both directions.
type StreamTransport struct {
	network string
	ln      net.Listener
	dial    func(ctx context.Context, addr string) (net.Conn, error)
	log     *slog.Logger

	mu      sync.Mutex
	conns   map[string]*streamConn
	handler Handler

	wg     sync.WaitGroup
	closed atomic.Bool
}

type streamConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

// ListenTCP starts a TCP listener on addr.
func ListenTCP(ctx context.Context, addr string, opts ...Option) (*StreamTransport, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errtrace.Wrap(newNetworkError("listen", TCP, addr, err))
	}
	d := &net.Dialer{}
	return newStream(TCP, ln, d.DialContext, opts), nil
}

// ListenTLS starts a TLS listener on addr. cfg is used for both accepted and
// dialed connections.
func ListenTLS(ctx context.Context, addr string, cfg *tls.Config, opts ...Option) (*StreamTransport, error) {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	lc := net.ListenConfig{Control: controlReuseAddr}
	inner, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errtrace.Wrap(newNetworkError("listen", TLS, addr, err))
	}
	d := &tls.Dialer{Config: cfg}
	return newStream(TLS, tls.NewListener(inner, cfg), d.DialContext, opts), nil
}

func newStream(
	network string,
	ln net.Listener,
	dial func(ctx context.Context, network, addr string) (net.Conn, error),
	opts []Option,
) *StreamTransport {
	o := buildOptions(network, opts)
	return &StreamTransport{
		network: network,
		ln:      ln,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return dial(ctx, "tcp", addr)
		},
		log:   o.logger,
		conns: make(map[string]*streamConn),
	}
}

func (t *StreamTransport) Network() string     { return t.network }
func (t *StreamTransport) Reliable() bool      { return true }
func (t *StreamTransport) LocalAddr() net.Addr { return t.ln.Addr() }

// Send writes data over the connection to addr, dialing one if needed.
func (t *StreamTransport) Send(ctx context.Context, addr string, data []byte) error {
	if t.closed.Load() {
		return errtrace.Wrap(newNetworkError("send", t.network, addr, ErrClosed))
	}

	sc, err := t.connection(ctx, addr)
	if err != nil {
		return err
	}

	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = sc.conn.SetWriteDeadline(deadline)
	}
	if _, err := sc.conn.Write(data); err != nil {
		t.drop(addr, sc)
		return errtrace.Wrap(newNetworkError("send", t.network, addr, err))
	}
	return nil
}

func (t *StreamTransport) connection(ctx context.Context, addr string) (*streamConn, error) {
	t.mu.Lock()
	if sc, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		return sc, nil
	}
	t.mu.Unlock()

	conn, err := t.dial(ctx, addr)
	if err != nil {
		return nil, errtrace.Wrap(newNetworkError("dial", t.network, addr, err))
	}

	t.mu.Lock()
	if sc, ok := t.conns[addr]; ok {
		// Lost the race with a concurrent dial or accept
		t.mu.Unlock()
		conn.Close()
		return sc, nil
	}
	sc := &streamConn{conn: conn}
	t.conns[addr] = sc
	t.mu.Unlock()

	t.log.Debug("stream connection opened", slog.String("remote", addr))
	t.wg.Add(1)
	go t.readLoop(addr, sc)
	return sc, nil
}

// Serve accepts connections until ctx is done or Close.
func (t *StreamTransport) Serve(ctx context.Context, h Handler) error {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				t.wg.Wait()
				return nil
			}
			return errtrace.Wrap(newNetworkError("accept", t.network, "", err))
		}

		addr := conn.RemoteAddr().String()
		sc := &streamConn{conn: conn}
		t.mu.Lock()
		t.conns[addr] = sc
		t.mu.Unlock()

		t.log.Debug("stream connection accepted", slog.String("remote", addr))
		t.wg.Add(1)
		go t.readLoop(addr, sc)
	}
}

func (t *StreamTransport) readLoop(addr string, sc *streamConn) {
	defer t.wg.Done()
	defer t.drop(addr, sc)

	r := bufio.NewReader(sc.conn)
	for {
		data, err := readMessage(r)
		if err != nil {
			if !t.closed.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.log.Debug("stream read failed", slog.String("remote", addr), slog.Any("error", err))
			}
			return
		}

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h(addr, data)
		}
	}
}

func (t *StreamTransport) drop(addr string, sc *streamConn) {
	t.mu.Lock()
	if t.conns[addr] == sc {
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	sc.conn.Close()
}

// Close shuts the listener and every open connection.
func (t *StreamTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.ln.Close()

	t.mu.Lock()
	for addr, sc := range t.conns {
		sc.conn.Close()
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	return err
}

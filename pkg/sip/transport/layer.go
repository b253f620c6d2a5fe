package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/emiago/sipgo/sip"
	"golang.org/x/sync/errgroup"
)

// Packet is a parsed inbound message together with where it came from.
type Packet struct {
	Message sip.Message
	Network string
	Source  string
}

// Layer multiplexes transports and turns raw bytes into sip.Message values.
type Layer struct {
	log *slog.Logger

	mu         sync.RWMutex
	transports map[string]Transport
	order      []string

	inbound chan Packet
	serving atomic.Bool
}

// NewLayer creates an empty transport layer.
func NewLayer(logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		log:        logger,
		transports: make(map[string]Transport),
		inbound:    make(chan Packet, 256),
	}
}

// Add registers a transport. The first one added becomes the default.
func (l *Layer) Add(t Transport) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	network := t.Network()
	if _, exists := l.transports[network]; exists {
		return errtrace.Wrap(fmt.Errorf("transport %s already registered", network))
	}
	l.transports[network] = t
	l.order = append(l.order, network)
	return nil
}

// Transport returns the transport serving network.
func (l *Layer) Transport(network string) (Transport, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.transports[strings.ToLower(network)]
	return t, ok
}

// DefaultNetwork returns the network of the first registered transport.
func (l *Layer) DefaultNetwork() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.order) == 0 {
		return ""
	}
	return l.order[0]
}

// Inbound returns parsed messages. Closed when Serve returns.
func (l *Layer) Inbound() <-chan Packet {
	return l.inbound
}

// Serve runs every transport until ctx is done or one of them fails.
func (l *Layer) Serve(ctx context.Context) error {
	if !l.serving.CompareAndSwap(false, true) {
		return errtrace.Wrap(fmt.Errorf("transport layer already serving"))
	}
	defer close(l.inbound)

	l.mu.RLock()
	transports := make([]Transport, 0, len(l.order))
	for _, network := range l.order {
		transports = append(transports, l.transports[network])
	}
	l.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range transports {
		g.Go(func() error {
			l.log.Info("transport listening",
				slog.String("transport", t.Network()),
				slog.String("addr", t.LocalAddr().String()))
			return t.Serve(gctx, l.receiver(gctx, t.Network()))
		})
	}
	return g.Wait()
}

func (l *Layer) receiver(ctx context.Context, network string) Handler {
	return func(src string, data []byte) {
		msg, err := sip.ParseMessage(data)
		if err != nil {
			l.log.Debug("dropping unparsable message",
				slog.String("remote", src),
				slog.String("transport", network),
				slog.Any("error", err))
			return
		}
		if req, ok := msg.(*sip.Request); ok {
			stampReceived(req, src)
		}

		select {
		case l.inbound <- Packet{Message: msg, Network: network, Source: src}:
		case <-ctx.Done():
		}
	}
}

// stampReceived adds received and rport to the top Via per RFC 3261 18.2.1
// and RFC 3581 so responses route back to the real source.
func stampReceived(req *sip.Request, src string) {
	via := req.Via()
	if via == nil {
		return
	}
	host, port, err := net.SplitHostPort(src)
	if err != nil {
		return
	}
	if via.Params == nil {
		via.Params = sip.NewParams()
	}
	if via.Host != host {
		via.Params.Add("received", host)
	}
	if rport, ok := via.Params.Get("rport"); ok && rport == "" {
		via.Params.Add("rport", port)
	}
}

// Send serializes msg and writes it to addr over network.
// An empty network selects the default transport.
func (l *Layer) Send(ctx context.Context, network, addr string, msg sip.Message) error {
	if network == "" {
		network = l.DefaultNetwork()
	}
	t, ok := l.Transport(network)
	if !ok {
		return errtrace.Wrap(newNetworkError("send", network, addr, ErrUnknownNetwork))
	}
	return t.Send(ctx, addr, []byte(msg.String()))
}

// ResponseAddr returns where a response to req must be sent: the top Via
// sent-by, overridden by received and rport.
func ResponseAddr(req *sip.Request, fallback string) string {
	via := req.Via()
	if via == nil {
		return fallback
	}
	host := via.Host
	port := via.Port
	if via.Params != nil {
		if received, ok := via.Params.Get("received"); ok && received != "" {
			host = received
		}
		if rport, ok := via.Params.Get("rport"); ok && rport != "" {
			if p, err := strconv.Atoi(rport); err == nil {
				port = p
			}
		}
	}
	if host == "" {
		return fallback
	}
	if port == 0 {
		port = DefaultPort(via.Transport)
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Close closes every registered transport.
func (l *Layer) Close() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var first error
	for _, network := range l.order {
		if err := l.transports[network].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

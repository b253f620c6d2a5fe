// Package transaction implements the RFC 3261 client and server transaction
// state machines with the RFC 6026 Accepted state.
//
// The Layer matches inbound responses to client transactions by Via branch
// and CSeq method, absorbs request retransmissions on the server side and
// hands new server transactions to the transaction user through Requests.
package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/walkie_talkie/pkg/sip/transport"
)

// Sender writes a message to the network. Implemented by transport.Layer.
type Sender interface {
	Send(ctx context.Context, network, addr string, msg sip.Message) error
}

// Option configures a Layer.
type Option func(*Layer)

// WithTimers overrides T1, T2, T4 and D. Zero fields keep their defaults.
func WithTimers(t Timers) Option {
	return func(l *Layer) {
		l.timers = t.withDefaults()
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Layer) {
		if logger != nil {
			l.log = logger
		}
	}
}

// WithObserver receives transaction lifecycle events, e.g. for metrics.
func WithObserver(o Observer) Option {
	return func(l *Layer) {
		if o != nil {
			l.observer = o
		}
	}
}

// Layer owns every live transaction.
type Layer struct {
	sender   Sender
	timers   Timers
	log      *slog.Logger
	observer Observer

	mu       sync.Mutex
	clients  map[Key]*ClientTx
	servers  map[Key]*ServerTx
	accepted map[dialogKey]*ServerTx
	closed   bool

	requests  chan *ServerTx
	quit      chan struct{}
	closeOnce sync.Once
}

// NewLayer creates a transaction layer writing through sender.
func NewLayer(sender Sender, opts ...Option) *Layer {
	l := &Layer{
		sender:   sender,
		timers:   DefaultTimers(),
		log:      slog.Default(),
		observer: noopObserver{},
		clients:  make(map[Key]*ClientTx),
		servers:  make(map[Key]*ServerTx),
		accepted: make(map[dialogKey]*ServerTx),
		requests: make(chan *ServerTx, 64),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Timers returns the effective timer values.
func (l *Layer) Timers() Timers { return l.timers }

// Requests delivers new server transactions to the transaction user.
func (l *Layer) Requests() <-chan *ServerTx { return l.requests }

// Request starts a client transaction for req and sends it to addr.
// The request must carry a top Via with an RFC 3261 branch.
func (l *Layer) Request(ctx context.Context, req *sip.Request, network, addr string) (*ClientTx, error) {
	if req.Method == sip.ACK {
		return nil, fmt.Errorf("%w: ACK is not a transaction, use Send", ErrInvalidRequest)
	}
	key, err := requestKey(req, false)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLayerClosed
	}
	if _, exists := l.clients[key]; exists {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTransactionExists, key)
	}
	tx := newClientTx(l, key, req, network, addr)
	l.clients[key] = tx
	l.mu.Unlock()

	l.observer.TransactionStarted(tx.kind)
	if err := tx.start(ctx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Send writes req outside of any transaction. Used for ACK to 2xx.
func (l *Layer) Send(ctx context.Context, req *sip.Request, network, addr string) error {
	return l.send(ctx, network, addr, req)
}

// Serve dispatches packets from in until it is closed or ctx is done.
func (l *Layer) Serve(ctx context.Context, in <-chan transport.Packet) error {
	for {
		select {
		case pkt, ok := <-in:
			if !ok {
				return nil
			}
			l.HandleMessage(ctx, pkt)
		case <-ctx.Done():
			return nil
		case <-l.quit:
			return nil
		}
	}
}

// HandleMessage routes one inbound message.
func (l *Layer) HandleMessage(ctx context.Context, pkt transport.Packet) {
	switch msg := pkt.Message.(type) {
	case *sip.Response:
		l.handleResponse(msg, pkt.Source)
	case *sip.Request:
		l.handleRequest(ctx, msg, pkt)
	}
}

func (l *Layer) handleResponse(resp *sip.Response, src string) {
	key, err := responseKey(resp)
	if err != nil {
		l.log.Debug("dropping response without transaction key", slog.String("remote", src), slog.Any("error", err))
		return
	}

	l.mu.Lock()
	tx, ok := l.clients[key]
	l.mu.Unlock()

	if !ok {
		l.log.Debug("dropping unmatched response",
			slog.String("branch", key.Branch),
			slog.Int("status", int(resp.StatusCode)),
			slog.String("remote", src))
		return
	}
	tx.handleResponse(resp)
}

func (l *Layer) handleRequest(ctx context.Context, req *sip.Request, pkt transport.Packet) {
	key, err := requestKey(req, true)
	if err != nil {
		l.log.Debug("dropping request without transaction key",
			slog.String("method", string(req.Method)),
			slog.String("remote", pkt.Source),
			slog.Any("error", err))
		return
	}

	l.mu.Lock()
	if tx, ok := l.servers[key]; ok {
		l.mu.Unlock()
		tx.handleRequest(req)
		return
	}
	if req.Method == sip.ACK {
		var ist *ServerTx
		if dk, ok := ackKey(req); ok {
			ist = l.accepted[dk]
		}
		l.mu.Unlock()
		if ist == nil {
			l.log.Debug("dropping unmatched ACK", slog.String("remote", pkt.Source))
			return
		}
		ist.handleRequest(req)
		return
	}
	if l.closed {
		l.mu.Unlock()
		return
	}

	respAddr := pkt.Source
	if !l.reliable(pkt.Network) {
		respAddr = transport.ResponseAddr(req, pkt.Source)
	}
	tx := newServerTx(l, key, req, pkt.Network, pkt.Source, respAddr)
	l.servers[key] = tx
	l.mu.Unlock()

	l.observer.TransactionStarted(tx.kind)

	switch req.Method {
	case sip.CANCEL:
		l.handleCancel(ctx, tx)
		return
	case sip.INVITE:
		if err := tx.Respond(ctx, tx.NewResponse(sip.StatusTrying, "Trying")); err != nil {
			tx.log.Debug("failed to send 100 Trying", slog.Any("error", err))
		}
	}

	select {
	case l.requests <- tx:
	case <-ctx.Done():
	case <-l.quit:
	}
}

// handleCancel отвечает на CANCEL и помечает INVITE как отмененный
// (RFC 3261 9.2). Ответ 487 на INVITE отправляет TU.
func (l *Layer) handleCancel(ctx context.Context, tx *ServerTx) {
	inviteKey := Key{Branch: tx.key.Branch, Method: sip.INVITE, Server: true}

	l.mu.Lock()
	ist, ok := l.servers[inviteKey]
	l.mu.Unlock()

	if !ok {
		if err := tx.Respond(ctx, tx.NewResponse(sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")); err != nil {
			tx.log.Debug("failed to answer CANCEL", slog.Any("error", err))
		}
		return
	}

	if err := tx.Respond(ctx, NewResponse(tx.req, sip.StatusOK, "OK", ist.Tag())); err != nil {
		tx.log.Debug("failed to answer CANCEL", slog.Any("error", err))
	}
	ist.cancel()
	l.log.Debug("INVITE cancelled by peer", slog.String("branch", tx.key.Branch))
}

func (l *Layer) send(ctx context.Context, network, addr string, msg sip.Message) error {
	return l.sender.Send(ctx, network, addr, msg)
}

func (l *Layer) reliable(network string) bool {
	return transport.IsReliable(network)
}

func (l *Layer) removeClient(key Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, key)
}

func (l *Layer) indexAccepted(tx *ServerTx) {
	dk, ok := ackKey(tx.req)
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepted[dk] = tx
}

func (l *Layer) removeServer(tx *ServerTx) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.servers[tx.key] == tx {
		delete(l.servers, tx.key)
	}
	if dk, ok := ackKey(tx.req); ok && l.accepted[dk] == tx {
		delete(l.accepted, dk)
	}
}

// Len returns the number of live client and server transactions.
func (l *Layer) Len() (clients, servers int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients), len(l.servers)
}

// Close terminates every transaction and stops Serve.
func (l *Layer) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		clients := make([]*ClientTx, 0, len(l.clients))
		for _, tx := range l.clients {
			clients = append(clients, tx)
		}
		servers := make([]*ServerTx, 0, len(l.servers))
		for _, tx := range l.servers {
			servers = append(servers, tx)
		}
		l.mu.Unlock()

		for _, tx := range clients {
			tx.Terminate()
		}
		for _, tx := range servers {
			tx.Terminate()
		}
		close(l.quit)
	})
}

package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// ServerTx серверная транзакция: INVITE (IST) или non-INVITE (NIST).
//
// TU отвечает через Respond. Повторы запроса поглощаются транзакцией,
// ей же переотправляется последний ответ.
type ServerTx struct {
	key      Key
	kind     Kind
	layer    *Layer
	req      *sip.Request
	network  string
	source   string
	respAddr string
	reliable bool
	tag      string
	log      *slog.Logger

	mu       sync.Mutex
	state    State
	interval time.Duration
	timers   timerSet
	last     *sip.Response
	ack      *sip.Request
	err      error

	acked      chan struct{}
	cancelled  chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

func newServerTx(l *Layer, key Key, req *sip.Request, network, source, respAddr string) *ServerTx {
	kind := KindNIST
	initial := StateTrying
	if req.Method == sip.INVITE {
		kind = KindIST
		initial = StateProceeding
	}

	tx := &ServerTx{
		key:       key,
		kind:      kind,
		layer:     l,
		req:       req,
		network:   network,
		source:    source,
		respAddr:  respAddr,
		reliable:  l.reliable(network),
		tag:       sip.RandString(10),
		state:     initial,
		interval:  l.timers.T1,
		acked:     make(chan struct{}),
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
		log: l.log.With(
			slog.String("branch", key.Branch),
			slog.String("method", string(req.Method)),
			slog.String("remote", source)),
	}
	tx.timers = newTimerSet(tx.mu.Lock, tx.mu.Unlock)
	return tx
}

// Key возвращает ключ транзакции
func (tx *ServerTx) Key() Key { return tx.key }

// Request возвращает запрос, создавший транзакцию
func (tx *ServerTx) Request() *sip.Request { return tx.req }

// Source возвращает адрес, с которого пришел запрос
func (tx *ServerTx) Source() string { return tx.source }

// Network возвращает транспорт, по которому пришел запрос
func (tx *ServerTx) Network() string { return tx.network }

// Tag возвращает To-tag для ответов этой транзакции
func (tx *ServerTx) Tag() string { return tx.tag }

// Done закрывается при переходе в Terminated
func (tx *ServerTx) Done() <-chan struct{} { return tx.done }

// Acked закрывается при получении ACK на финальный ответ INVITE
func (tx *ServerTx) Acked() <-chan struct{} { return tx.acked }

// Cancelled закрывается, когда пришел CANCEL для этого INVITE
func (tx *ServerTx) Cancelled() <-chan struct{} { return tx.cancelled }

// State возвращает текущее состояние
func (tx *ServerTx) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Err возвращает ErrTimeout, если ACK так и не пришел
func (tx *ServerTx) Err() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.err
}

// NewResponse строит ответ на запрос транзакции с ее To-tag
func (tx *ServerTx) NewResponse(code int, reason string) *sip.Response {
	return NewResponse(tx.req, code, reason, tx.tag)
}

// Respond отправляет ответ и продвигает автомат
func (tx *ServerTx) Respond(ctx context.Context, resp *sip.Response) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	code := int(resp.StatusCode)
	t := tx.layer.timers

	if tx.kind == KindIST {
		switch tx.state {
		case StateProceeding:
			if err := tx.layer.send(ctx, tx.network, tx.respAddr, resp); err != nil {
				return err
			}
			tx.last = resp
			switch {
			case code < 200:
			case code < 300:
				tx.setState(StateAccepted)
				tx.layer.indexAccepted(tx)
				if !tx.reliable {
					tx.timers.start(TimerG, tx.interval, tx.onTimerG)
				}
				tx.timers.start(TimerL, t.Duration(TimerL, tx.reliable), tx.onTimeout)
			default:
				tx.setState(StateCompleted)
				if !tx.reliable {
					tx.timers.start(TimerG, tx.interval, tx.onTimerG)
				}
				tx.timers.start(TimerH, t.Duration(TimerH, tx.reliable), tx.onTimeout)
			}
			return nil
		case StateAccepted:
			if code >= 200 && code < 300 {
				return tx.layer.send(ctx, tx.network, tx.respAddr, resp)
			}
		}
		return fmt.Errorf("%w: respond %d in %s", ErrInvalidState, code, tx.state)
	}

	switch tx.state {
	case StateTrying, StateProceeding:
		if err := tx.layer.send(ctx, tx.network, tx.respAddr, resp); err != nil {
			return err
		}
		tx.last = resp
		if code < 200 {
			tx.setState(StateProceeding)
			return nil
		}
		tx.setState(StateCompleted)
		tx.startOrFire(TimerJ, func() { tx.terminate(nil) })
		return nil
	}
	return fmt.Errorf("%w: respond %d in %s", ErrInvalidState, code, tx.state)
}

// handleRequest обрабатывает повтор запроса или ACK
func (tx *ServerTx) handleRequest(req *sip.Request) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if req.Method == sip.ACK {
		tx.handleAck(req)
		return
	}

	switch tx.state {
	case StateProceeding, StateCompleted, StateAccepted:
		if tx.last != nil {
			tx.resend(tx.last)
		}
	}
}

func (tx *ServerTx) handleAck(req *sip.Request) {
	switch tx.state {
	case StateCompleted:
		tx.timers.stop(TimerG)
		tx.timers.stop(TimerH)
		tx.ack = req
		close(tx.acked)
		tx.setState(StateConfirmed)
		tx.startOrFire(TimerI, func() { tx.terminate(nil) })
	case StateAccepted:
		tx.timers.stop(TimerG)
		tx.ack = req
		close(tx.acked)
		tx.terminate(nil)
	}
}

// cancel отмечает INVITE как отмененный. TU решает, отвечать ли 487.
func (tx *ServerTx) cancel() {
	tx.cancelOnce.Do(func() { close(tx.cancelled) })
}

// onTimerG переотправляет финальный ответ: не-2xx в Completed
// или 2xx в Accepted, пока не придет ACK.
func (tx *ServerTx) onTimerG() {
	if tx.state != StateCompleted && tx.state != StateAccepted {
		return
	}
	if tx.last != nil {
		tx.resend(tx.last)
	}
	tx.interval = nextInterval(tx.interval, tx.layer.timers.T2)
	tx.timers.start(TimerG, tx.interval, tx.onTimerG)
}

// onTimeout срабатывает по таймеру H или L: ACK не получен
func (tx *ServerTx) onTimeout() {
	if tx.state != StateCompleted && tx.state != StateAccepted {
		return
	}
	tx.layer.observer.TransactionTimedOut(tx.kind)
	tx.log.Warn("server transaction did not receive ACK", slog.String("state", tx.state.String()))
	tx.terminate(ErrTimeout)
}

func (tx *ServerTx) resend(resp *sip.Response) {
	ctx, cancel := context.WithTimeout(context.Background(), tx.layer.timers.T2)
	defer cancel()
	if err := tx.layer.send(ctx, tx.network, tx.respAddr, resp); err != nil {
		tx.log.Debug("response retransmit failed", slog.Any("error", err))
		return
	}
	tx.layer.observer.Retransmitted(string(tx.req.Method))
}

func (tx *ServerTx) startOrFire(id TimerID, fn func()) {
	d := tx.layer.timers.Duration(id, tx.reliable)
	if d <= 0 {
		fn()
		return
	}
	tx.timers.start(id, d, fn)
}

func (tx *ServerTx) setState(s State) {
	if tx.state == s {
		return
	}
	tx.log.Debug("server transaction state", slog.String("from", tx.state.String()), slog.String("state", s.String()))
	tx.state = s
}

// Terminate завершает транзакцию, не дожидаясь таймеров
func (tx *ServerTx) Terminate() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.terminate(ErrTerminated)
}

// terminate вызывается под мьютексом
func (tx *ServerTx) terminate(err error) {
	if tx.state == StateTerminated {
		return
	}
	tx.setState(StateTerminated)
	tx.timers.stopAll()
	if tx.err == nil {
		tx.err = err
	}
	close(tx.done)
	tx.layer.removeServer(tx)
}

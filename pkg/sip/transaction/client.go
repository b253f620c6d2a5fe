package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// ClientTx клиентская транзакция: INVITE (ICT) или non-INVITE (NICT).
//
// Ответы, которые должен увидеть TU, приходят через Responses или Next.
// Финальный ответ всегда ставится в очередь раньше закрытия Done.
type ClientTx struct {
	key      Key
	kind     Kind
	layer    *Layer
	req      *sip.Request
	network  string
	addr     string
	reliable bool
	log      *slog.Logger

	mu       sync.Mutex
	state    State
	interval time.Duration
	timers   timerSet
	ack      *sip.Request
	err      error
	sendErr  error

	responses chan *sip.Response
	done      chan struct{}

	// provisional закрывается при выходе ICT из Calling
	provisional chan struct{}
}

func newClientTx(l *Layer, key Key, req *sip.Request, network, addr string) *ClientTx {
	kind := KindNICT
	initial := StateTrying
	if req.Method == sip.INVITE {
		kind = KindICT
		initial = StateCalling
	}

	tx := &ClientTx{
		key:       key,
		kind:      kind,
		layer:     l,
		req:       req,
		network:   network,
		addr:      addr,
		reliable:  l.reliable(network),
		state:     initial,
		interval:  l.timers.T1,
		responses:   make(chan *sip.Response, 16),
		done:        make(chan struct{}),
		provisional: make(chan struct{}),
		log: l.log.With(
			slog.String("branch", key.Branch),
			slog.String("method", string(req.Method)),
			slog.String("remote", addr)),
	}
	tx.timers = newTimerSet(tx.mu.Lock, tx.mu.Unlock)
	return tx
}

// start отправляет запрос и запускает таймеры
func (tx *ClientTx) start(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.layer.send(ctx, tx.network, tx.addr, tx.req); err != nil {
		tx.terminate(err)
		return err
	}

	t := tx.layer.timers
	if tx.kind == KindICT {
		if !tx.reliable {
			tx.timers.start(TimerA, tx.interval, tx.onTimerA)
		}
		tx.timers.start(TimerB, t.Duration(TimerB, tx.reliable), tx.onTimeout)
	} else {
		if !tx.reliable {
			tx.timers.start(TimerE, tx.interval, tx.onTimerE)
		}
		tx.timers.start(TimerF, t.Duration(TimerF, tx.reliable), tx.onTimeout)
	}
	tx.log.Debug("client transaction started", slog.String("state", tx.state.String()))
	return nil
}

// Key возвращает ключ транзакции
func (tx *ClientTx) Key() Key { return tx.key }

// Request возвращает исходный запрос
func (tx *ClientTx) Request() *sip.Request { return tx.req }

// Responses возвращает канал ответов, предназначенных TU
func (tx *ClientTx) Responses() <-chan *sip.Response { return tx.responses }

// Done закрывается при переходе в Terminated
func (tx *ClientTx) Done() <-chan struct{} { return tx.done }

// State возвращает текущее состояние
func (tx *ClientTx) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Err возвращает причину завершения или nil, пока транзакция жива
// или завершилась штатно.
func (tx *ClientTx) Err() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.err
}

// Next ждет следующий ответ. Когда транзакция завершилась и ответов в
// очереди нет, возвращает ее ошибку или ErrTerminated.
func (tx *ClientTx) Next(ctx context.Context) (*sip.Response, error) {
	select {
	case resp := <-tx.responses:
		return resp, nil
	default:
	}

	select {
	case resp := <-tx.responses:
		return resp, nil
	case <-tx.done:
		select {
		case resp := <-tx.responses:
			return resp, nil
		default:
		}
		if err := tx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrTerminated
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Terminate останавливает таймеры и завершает транзакцию. Поздние ответы
// после этого отбрасываются.
func (tx *ClientTx) Terminate() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.terminate(ErrTerminated)
}

// Cancel отправляет CANCEL для INVITE, на который еще нет финального ответа.
// Пока нет ни одного 1xx, CANCEL не отправляется (RFC 3261 9.1): Cancel ждет
// первый предварительный ответ, финальный ответ или таймер B.
func (tx *ClientTx) Cancel(ctx context.Context) (*ClientTx, error) {
	if tx.kind != KindICT {
		return nil, fmt.Errorf("%w: CANCEL applies to INVITE only", ErrInvalidState)
	}
	select {
	case <-tx.provisional:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if state := tx.State(); state != StateProceeding {
		return nil, fmt.Errorf("%w: INVITE in %s", ErrInvalidState, state)
	}
	return tx.layer.Request(ctx, buildCancel(tx.req), tx.network, tx.addr)
}

func (tx *ClientTx) handleResponse(resp *sip.Response) {
	tx.mu.Lock()
	deliver, after := tx.transition(resp)
	tx.mu.Unlock()

	if !deliver {
		return
	}
	select {
	case tx.responses <- resp:
	case <-tx.done:
		return
	}
	if after != nil {
		tx.mu.Lock()
		after()
		tx.mu.Unlock()
	}
}

// transition применяет ответ к автомату. Возвращает, нужно ли передать
// ответ TU, и действие, выполняемое под мьютексом после передачи.
func (tx *ClientTx) transition(resp *sip.Response) (bool, func()) {
	code := int(resp.StatusCode)

	if tx.kind == KindICT {
		switch tx.state {
		case StateCalling, StateProceeding:
			switch {
			case code < 200:
				tx.timers.stop(TimerA)
				tx.setState(StateProceeding)
				return true, nil
			case code < 300:
				tx.timers.stop(TimerA)
				tx.timers.stop(TimerB)
				tx.setState(StateAccepted)
				return true, func() {
					if tx.state == StateAccepted {
						tx.timers.start(TimerM, tx.layer.timers.Duration(TimerM, tx.reliable), func() { tx.terminate(nil) })
					}
				}
			default:
				tx.timers.stop(TimerA)
				tx.timers.stop(TimerB)
				tx.setState(StateCompleted)
				tx.ack = buildAck(tx.req, resp)
				tx.send(tx.ack)
				return true, func() {
					if tx.state == StateCompleted {
						tx.startOrFire(TimerD, func() { tx.terminate(nil) })
					}
				}
			}
		case StateAccepted:
			// Повторы 2xx идут в TU, он переотправляет ACK
			return code >= 200 && code < 300, nil
		case StateCompleted:
			if code >= 300 && tx.ack != nil {
				tx.resend(tx.ack)
			}
		}
		return false, nil
	}

	switch tx.state {
	case StateTrying, StateProceeding:
		if code < 200 {
			tx.setState(StateProceeding)
			return true, nil
		}
		tx.timers.stop(TimerE)
		tx.timers.stop(TimerF)
		tx.setState(StateCompleted)
		return true, func() {
			if tx.state == StateCompleted {
				tx.startOrFire(TimerK, func() { tx.terminate(nil) })
			}
		}
	}
	return false, nil
}

func (tx *ClientTx) onTimerA() {
	if tx.state != StateCalling {
		return
	}
	tx.resend(tx.req)
	// RFC 3261 17.1.1.2: интервал A удваивается без ограничения T2
	tx.interval *= 2
	tx.timers.start(TimerA, tx.interval, tx.onTimerA)
}

func (tx *ClientTx) onTimerE() {
	if tx.state != StateTrying && tx.state != StateProceeding {
		return
	}
	tx.resend(tx.req)
	if tx.state == StateTrying {
		tx.interval = nextInterval(tx.interval, tx.layer.timers.T2)
	} else {
		tx.interval = tx.layer.timers.T2
	}
	tx.timers.start(TimerE, tx.interval, tx.onTimerE)
}

func (tx *ClientTx) onTimeout() {
	switch tx.state {
	case StateCalling, StateTrying, StateProceeding:
	default:
		return
	}
	if tx.kind == KindICT && tx.state == StateProceeding {
		// После 1xx таймер B не действует, ожидание ограничивает TU
		return
	}
	tx.layer.observer.TransactionTimedOut(tx.kind)
	tx.log.Warn("client transaction timed out", slog.String("state", tx.state.String()))
	if tx.sendErr != nil {
		tx.terminate(fmt.Errorf("%w: %w", ErrTimeout, tx.sendErr))
		return
	}
	tx.terminate(ErrTimeout)
}

func (tx *ClientTx) send(msg sip.Message) bool {
	ctx, cancel := context.WithTimeout(context.Background(), tx.layer.timers.T2)
	defer cancel()
	if err := tx.layer.send(ctx, tx.network, tx.addr, msg); err != nil {
		tx.sendErr = err
		tx.log.Debug("send failed", slog.Any("error", err))
		return false
	}
	return true
}

func (tx *ClientTx) resend(msg sip.Message) {
	if tx.send(msg) {
		tx.layer.observer.Retransmitted(string(tx.req.Method))
	}
}

func (tx *ClientTx) startOrFire(id TimerID, fn func()) {
	d := tx.layer.timers.Duration(id, tx.reliable)
	if d <= 0 {
		fn()
		return
	}
	tx.timers.start(id, d, fn)
}

func (tx *ClientTx) setState(s State) {
	if tx.state == s {
		return
	}
	tx.log.Debug("client transaction state", slog.String("from", tx.state.String()), slog.String("state", s.String()))
	if tx.state == StateCalling {
		close(tx.provisional)
	}
	tx.state = s
}

// terminate вызывается под мьютексом
func (tx *ClientTx) terminate(err error) {
	if tx.state == StateTerminated {
		return
	}
	tx.setState(StateTerminated)
	tx.timers.stopAll()
	if tx.err == nil {
		tx.err = err
	}
	close(tx.done)
	tx.layer.removeClient(tx.key)
}

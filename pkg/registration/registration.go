package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/arzzra/walkie_talkie/pkg/profile"
	"github.com/arzzra/walkie_talkie/pkg/sip/auth"
	"github.com/arzzra/walkie_talkie/pkg/sip/message"
	"github.com/arzzra/walkie_talkie/pkg/sip/transaction"
)

// State состояние регистрации
type State string

const (
	StateUnregistered State = "Unregistered"
	StateRegistering  State = "Registering"
	StateRegistered   State = "Registered"
	StateFailed       State = "Failed"
)

// statusIntervalTooBrief 423 Interval Too Brief (RFC 3261 10.3)
const statusIntervalTooBrief = 423

const (
	evRegister   = "register"
	evRegistered = "registered"
	evFail       = "fail"
	evUnregister = "unregister"
)

// Event уведомление о смене состояния регистрации
type Event struct {
	AOR   string
	State State
	// Err причина перехода в Failed
	Err error
	// Expires момент истечения регистрации для Registered
	Expires time.Time
}

// Registration одна регистрация профиля у регистратора.
//
// Создается Manager.Register. Пока жива, сама обновляет привязку и
// повторяет попытки после сетевых ошибок.
type Registration struct {
	m       *Manager
	profile profile.Profile
	aor     string
	log     *slog.Logger

	callID  string
	fromTag string

	mu      sync.Mutex
	fsm     *fsm.FSM
	cseq    uint32
	expires time.Time
	err     error

	cancel   context.CancelFunc
	done     chan struct{}
	unregMu  sync.Mutex
	finished bool
}

func newRegistration(m *Manager, p profile.Profile) *Registration {
	r := &Registration{
		m:       m,
		profile: p,
		aor:     p.String(),
		callID:  message.NewCallID(m.conf.Local.Host),
		fromTag: message.NewTag(),
		done:    make(chan struct{}),
	}
	r.log = m.log.With(slog.String("aor", r.aor))
	r.fsm = fsm.NewFSM(
		string(StateUnregistered),
		fsm.Events{
			{Name: evRegister, Src: []string{string(StateUnregistered), string(StateFailed)}, Dst: string(StateRegistering)},
			{Name: evRegistered, Src: []string{string(StateRegistering)}, Dst: string(StateRegistered)},
			{Name: evFail, Src: []string{string(StateRegistering), string(StateRegistered)}, Dst: string(StateFailed)},
			{Name: evUnregister, Src: []string{string(StateRegistering), string(StateRegistered), string(StateFailed)}, Dst: string(StateUnregistered)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				r.handleStateChange(e)
			},
		},
	)
	return r
}

// handleStateChange публикует переход. Вызывается под r.mu, поэтому
// уведомления идут в порядке переходов.
func (r *Registration) handleStateChange(e *fsm.Event) {
	ev := Event{AOR: r.aor, State: State(e.Dst)}
	switch ev.State {
	case StateFailed:
		ev.Err = r.err
	case StateRegistered:
		ev.Expires = r.expires
	}
	r.log.Info("registration state changed",
		slog.String("from", e.Src),
		slog.String("state", e.Dst),
		slog.Any("error", ev.Err))
	r.m.metrics.RegistrationState(e.Dst)
	r.m.events.Publish(ev)
}

// transition выполняет событие автомата под r.mu
func (r *Registration) transition(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.event(event)
}

func (r *Registration) event(event string) {
	if err := r.fsm.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			r.log.Debug("registration event ignored", slog.String("event", event), slog.Any("error", err))
		}
	}
}

// Profile возвращает зарегистрированный профиль
func (r *Registration) Profile() profile.Profile { return r.profile }

// AOR возвращает Address of Record
func (r *Registration) AOR() string { return r.aor }

// State возвращает текущее состояние
func (r *Registration) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State(r.fsm.Current())
}

// Expires возвращает момент истечения привязки
func (r *Registration) Expires() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expires
}

// Err возвращает причину последнего перехода в Failed
func (r *Registration) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done закрывается, когда цикл регистрации остановлен: после
// Unregister или после окончательной ошибки.
func (r *Registration) Done() <-chan struct{} { return r.done }

func (r *Registration) start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
}

// run регистрирует профиль и обновляет привязку до отмены ctx
func (r *Registration) run(ctx context.Context) {
	defer close(r.done)

	conf := r.m.conf
	backoff := conf.BackoffInitial
	var wait time.Duration

	for {
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		if r.State() != StateRegistered {
			r.transition(evRegister)
		}
		granted, err := r.register(ctx, conf.Expires)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.fail(err)
			if !retryable(err) {
				return
			}
			wait = backoff
			backoff = min(backoff*2, conf.BackoffMax)
			r.log.Debug("registration retry scheduled", slog.Duration("in", wait))
			continue
		}

		backoff = conf.BackoffInitial
		r.registered(granted)
		wait = time.Duration(float64(granted) * conf.RefreshRatio)
	}
}

func (r *Registration) registered(granted time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expires = time.Now().Add(granted)
	r.err = nil
	// обновление привязки не меняет состояние и не уведомляет
	if State(r.fsm.Current()) != StateRegistered {
		r.event(evRegistered)
	}
}

func (r *Registration) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = &Error{AOR: r.aor, Err: err}
	r.event(evFail)
}

// register выполняет один REGISTER с повтором на challenge и 423.
// Возвращает выданное регистратором время жизни привязки.
func (r *Registration) register(ctx context.Context, expires time.Duration) (time.Duration, error) {
	network := r.m.conf.Local.Network
	addr, err := r.m.locator.Locate(ctx, r.profile.Domain, network)
	if err != nil {
		return 0, fmt.Errorf("locate registrar: %w", err)
	}

	req, err := r.newRequest(expires)
	if err != nil {
		return 0, err
	}

	authorized := false
	intervalRetried := false
	for {
		resp, err := r.roundTrip(ctx, req, network, addr)
		if err != nil {
			return 0, err
		}
		code := int(resp.StatusCode)

		switch {
		case code >= 200 && code < 300:
			return r.granted(resp, expires), nil

		case auth.IsChallenge(resp):
			if authorized {
				return 0, fmt.Errorf("%w: %d after credentials", auth.ErrAuthFailed, code)
			}
			authorized = true
			req, err = auth.Authorize(req, resp, r.profile.Credentials(), transaction.NewBranch())
			if err != nil {
				return 0, err
			}
			r.syncCSeq(req)

		case code == statusIntervalTooBrief && !intervalRetried:
			minExpires, ok := headerSeconds(resp, "Min-Expires")
			if !ok {
				return 0, &StatusError{Code: code, Reason: resp.Reason}
			}
			intervalRetried = true
			expires = minExpires
			req = r.retry(req)
			req.RemoveHeader("Expires")
			req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expires/time.Second))))

		default:
			return 0, &StatusError{Code: code, Reason: resp.Reason}
		}
	}
}

// roundTrip отправляет запрос и ждет финальный ответ. Отмена ctx
// останавливает таймеры транзакции, поздние ответы отбрасываются.
func (r *Registration) roundTrip(ctx context.Context, req *sip.Request, network, addr string) (*sip.Response, error) {
	tx, err := r.m.tx.Request(ctx, req, network, addr)
	if err != nil {
		return nil, err
	}
	for {
		resp, err := tx.Next(ctx)
		if err != nil {
			tx.Terminate()
			return nil, err
		}
		r.log.Debug("REGISTER response", slog.Int("status", int(resp.StatusCode)))
		if resp.StatusCode >= 200 {
			return resp, nil
		}
	}
}

func (r *Registration) newRequest(expires time.Duration) (*sip.Request, error) {
	local := r.m.conf.Local
	aor := r.profile.AOR()

	r.mu.Lock()
	r.cseq++
	seq := r.cseq
	r.mu.Unlock()

	return message.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: r.profile.Domain}).
		Via(local.Network, local.Host, local.Port, transaction.NewBranch()).
		From(r.profile.DisplayName, aor, r.fromTag).
		To(r.profile.DisplayName, aor, "").
		CallID(r.callID).
		CSeq(seq).
		Contact(local.Contact(r.profile.Username)).
		Expires(int(expires / time.Second)).
		UserAgent(local.UserAgent).
		Build()
}

// retry копирует запрос с новым branch и следующим CSeq
func (r *Registration) retry(req *sip.Request) *sip.Request {
	next := req.Clone()
	if via := next.Via(); via != nil {
		via.Params.Add("branch", transaction.NewBranch())
	}
	if cseq := next.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	r.syncCSeq(next)
	return next
}

// syncCSeq запоминает CSeq последнего запроса, чтобы следующий REGISTER
// с тем же Call-ID шел с большим номером (RFC 3261 10.2.4)
func (r *Registration) syncCSeq(req *sip.Request) {
	cseq := req.CSeq()
	if cseq == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cseq.SeqNo > r.cseq {
		r.cseq = cseq.SeqNo
	}
}

// granted определяет выданное время жизни: параметр expires нашего
// Contact, затем заголовок Expires, затем запрошенное значение.
func (r *Registration) granted(resp *sip.Response, requested time.Duration) time.Duration {
	ours := r.m.conf.Local.Contact(r.profile.Username)
	for _, h := range resp.GetHeaders("Contact") {
		contact, ok := h.(*sip.ContactHeader)
		if !ok || !sameContact(contact.Address, ours) {
			continue
		}
		if contact.Params == nil {
			break
		}
		if v, ok := contact.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
		break
	}
	if d, ok := headerSeconds(resp, "Expires"); ok && d > 0 {
		return d
	}
	return requested
}

func sameContact(a, b sip.Uri) bool {
	port := func(u sip.Uri) int {
		if u.Port == 0 {
			return 5060
		}
		return u.Port
	}
	return a.User == b.User && a.Host == b.Host && port(a) == port(b)
}

func headerSeconds(resp *sip.Response, name string) (time.Duration, bool) {
	h := resp.GetHeader(name)
	if h == nil {
		return 0, false
	}
	n, err := strconv.Atoi(h.Value())
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// Unregister останавливает обновление и снимает привязку (Expires: 0),
// если профиль был зарегистрирован. Повторный вызов ничего не делает.
func (r *Registration) Unregister(ctx context.Context) error {
	r.unregMu.Lock()
	defer r.unregMu.Unlock()
	if r.finished {
		return nil
	}
	r.finished = true

	r.cancel()
	<-r.done

	var err error
	if r.State() == StateRegistered {
		if _, uerr := r.register(ctx, 0); uerr != nil {
			err = &Error{AOR: r.aor, Err: uerr}
			r.log.Warn("failed to remove binding", slog.Any("error", uerr))
		}
	}
	r.transition(evUnregister)
	r.m.forget(r)
	return err
}

// Package call управляет звонками: INVITE диалоги, входящие и исходящие
// вызовы, согласование SDP и аудио хуки (RFC 3261 13-15).
//
// Manager держит не больше одного активного звонка. Новый входящий
// INVITE при активном звонке отклоняется 486 Busy Here, а сам звонок
// не меняется. Ответ на входящий звонок возможен только явным Answer.
package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/walkie_talkie/pkg/notify"
	"github.com/arzzra/walkie_talkie/pkg/profile"
	"github.com/arzzra/walkie_talkie/pkg/sip/message"
	"github.com/arzzra/walkie_talkie/pkg/sip/resolve"
	"github.com/arzzra/walkie_talkie/pkg/sip/transaction"
)

// allowedMethods значение заголовка Allow
const allowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS"

// recentLimit сколько завершенных id помнить для повторного End
const recentLimit = 32

// Transactions транзакционный слой. Реализуется transaction.Layer.
type Transactions interface {
	Request(ctx context.Context, req *sip.Request, network, addr string) (*transaction.ClientTx, error)
	Send(ctx context.Context, req *sip.Request, network, addr string) error
}

// Profiles источник текущего профиля. Реализуется profile.Store.
type Profiles interface {
	Get() (profile.Profile, bool)
}

// Metrics получает начало и конец звонков. Реализуется metrics.Collector.
type Metrics interface {
	CallStarted(direction string)
	CallEnded(direction, reason string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) CallStarted(string)                      {}
func (noopMetrics) CallEnded(string, string, time.Duration) {}

// Config параметры звонков
type Config struct {
	// Local адрес для Via и Contact
	Local message.Local
	// MediaHost адрес в SDP, по умолчанию Local.Host
	MediaHost string
	// MediaPort RTP порт в SDP
	MediaPort int
	// InviteTimeout сколько ждать финального ответа на исходящий INVITE
	InviteTimeout time.Duration
	// ByeTimeout сколько ждать ответа на BYE
	ByeTimeout time.Duration
	// Speaker включать громкоговоритель при Established
	Speaker bool
	// PushToTalk звонок начинается с выключенным микрофоном
	PushToTalk bool
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Local:         message.Local{Network: "udp", Host: "127.0.0.1", Port: 5060},
		MediaPort:     4000,
		InviteTimeout: 30 * time.Second,
		ByeTimeout:    32 * time.Second,
		Speaker:       true,
		PushToTalk:    true,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Local.Network == "" {
		c.Local.Network = def.Local.Network
	}
	if c.MediaHost == "" {
		c.MediaHost = c.Local.Host
	}
	if c.MediaPort <= 0 {
		c.MediaPort = def.MediaPort
	}
	if c.InviteTimeout <= 0 {
		c.InviteTimeout = def.InviteTimeout
	}
	if c.ByeTimeout <= 0 {
		c.ByeTimeout = def.ByeTimeout
	}
	return c
}

// Option настраивает Manager
type Option func(*Manager)

// WithLogger задает логгер
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.log = logger
		}
	}
}

// WithMetrics задает приемник метрик
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithLocator задает поиск адреса для исходящих INVITE. По умолчанию DNS SRV.
func WithLocator(l resolve.Locator) Option {
	return func(m *Manager) {
		if l != nil {
			m.locator = l
		}
	}
}

// WithAudio задает аудио устройство
func WithAudio(a AudioDevice) Option {
	return func(m *Manager) {
		if a != nil {
			m.audio = a
		}
	}
}

// Manager владеет слотом активного звонка
type Manager struct {
	tx       Transactions
	profiles Profiles
	conf     Config
	log      *slog.Logger
	metrics  Metrics
	locator  resolve.Locator
	audio    AudioDevice
	events   *notify.Bus[Event]

	mu     sync.Mutex
	active *Call
	recent []string
	closed bool

	// closing отменяется в начале Close, aborted по истечении его ctx
	closing     context.Context
	stopClosing context.CancelFunc
	aborted     context.Context
	abort       context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager создает менеджер звонков поверх транзакционного слоя
func NewManager(tx Transactions, profiles Profiles, conf Config, opts ...Option) *Manager {
	m := &Manager{
		tx:       tx,
		profiles: profiles,
		conf:     conf.withDefaults(),
		log:      slog.Default(),
		metrics:  noopMetrics{},
		audio:    noopAudio{},
		events:   notify.NewBus[Event](),
	}
	m.closing, m.stopClosing = context.WithCancel(context.Background())
	m.aborted, m.abort = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}
	if m.locator == nil {
		m.locator = &resolve.SRVLocator{Logger: m.log}
	}
	return m
}

// Subscribe подписывает fn на смену состояний звонков
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	return m.events.Subscribe(fn)
}

// Active возвращает активный звонок или nil
func (m *Manager) Active() *Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Get возвращает активный звонок по id
func (m *Manager) Get(id string) (*Call, error) {
	c, err := m.lookup(id)
	if err != nil {
		return nil, &Error{CallID: id, Op: "get", Err: err}
	}
	return c, nil
}

func (m *Manager) lookup(id string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.id == id {
		return m.active, nil
	}
	return nil, ErrDialogNotFound
}

// occupy занимает слот активного звонка
func (m *Manager) occupy(c *Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return ErrClosed
	case m.active != nil:
		return ErrBusy
	}
	m.active = c
	return nil
}

// release освобождает слот после Ended
func (m *Manager) release(c *Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == c {
		m.active = nil
	}
	m.recent = append(m.recent, c.id)
	if len(m.recent) > recentLimit {
		m.recent = m.recent[len(m.recent)-recentLimit:]
	}
}

func (m *Manager) ended(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recent {
		if r == id {
			return true
		}
	}
	return false
}

// Serve обрабатывает новые серверные транзакции до отмены ctx,
// закрытия канала или Close.
func (m *Manager) Serve(ctx context.Context, requests <-chan *transaction.ServerTx) error {
	for {
		select {
		case stx, ok := <-requests:
			if !ok {
				return nil
			}
			m.HandleRequest(ctx, stx)
		case <-ctx.Done():
			return nil
		case <-m.closing.Done():
			return nil
		}
	}
}

// HandleRequest отвечает на один входящий запрос
func (m *Manager) HandleRequest(ctx context.Context, stx *transaction.ServerTx) {
	req := stx.Request()
	switch req.Method {
	case sip.INVITE:
		m.handleInvite(ctx, stx)
	case sip.BYE:
		m.handleBye(ctx, stx)
	case sip.OPTIONS:
		resp := stx.NewResponse(sip.StatusOK, "OK")
		resp.AppendHeader(sip.NewHeader("Allow", allowedMethods))
		resp.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
		m.send(ctx, stx, resp)
	default:
		resp := stx.NewResponse(sip.StatusMethodNotAllowed, "Method Not Allowed")
		resp.AppendHeader(sip.NewHeader("Allow", allowedMethods))
		m.send(ctx, stx, resp)
	}
}

func (m *Manager) respond(ctx context.Context, stx *transaction.ServerTx, code int, reason string) {
	m.send(ctx, stx, stx.NewResponse(code, reason))
}

func (m *Manager) send(ctx context.Context, stx *transaction.ServerTx, resp *sip.Response) {
	if err := stx.Respond(ctx, resp); err != nil {
		m.log.Debug("failed to send response",
			slog.String("method", string(stx.Request().Method)),
			slog.Int("status", int(resp.StatusCode)),
			slog.Any("error", err))
	}
}

// withBody добавляет к ответу Contact и SDP
func (m *Manager) withBody(resp *sip.Response, user string, body []byte) *sip.Response {
	resp.AppendHeader(&sip.ContactHeader{Address: m.conf.Local.Contact(user)})
	resp.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	if len(body) > 0 {
		ct := sip.ContentTypeHeader("application/sdp")
		resp.AppendHeader(&ct)
		resp.SetBody(body)
	}
	return resp
}

// End завершает звонок из любого состояния: 603 для входящего до
// ответа, CANCEL для исходящего до ответа, BYE для установленного.
// Уведомление Ended приходит сразу, BYE уходит в фоне.
// Повторный вызов для уже завершенного звонка ничего не делает.
func (m *Manager) End(ctx context.Context, id string) error {
	c, err := m.lookup(id)
	if err != nil {
		if m.ended(id) {
			return nil
		}
		return &Error{CallID: id, Op: "end", Err: err}
	}
	m.hangup(ctx, c, EndLocal, nil)
	return nil
}

func (m *Manager) hangup(ctx context.Context, c *Call, reason EndReason, cause error) {
	from, ok := c.end(reason, cause)
	if !ok {
		return
	}

	c.mu.Lock()
	answering, stx, invite := c.answering, c.server, c.invite
	c.mu.Unlock()

	switch {
	case from == StateEstablished:
		m.sendBye(c)
	case c.direction == Incoming && answering:
		// 200 OK уже ушел, диалог закрывается BYE
		m.sendBye(c)
	case c.direction == Incoming && stx != nil:
		m.respond(ctx, stx, sip.StatusGlobalDecline, "Decline")
	case c.direction == Outgoing && invite != nil:
		m.cancelInvite(invite)
	}
}

// ToggleMute переключает микрофон и возвращает новое значение
func (m *Manager) ToggleMute(id string) (bool, error) {
	c, err := m.lookup(id)
	if err != nil {
		return false, &Error{CallID: id, Op: "mute", Err: err}
	}
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	c.mu.Unlock()

	c.syncMuted()
	return muted, nil
}

// SetMuted задает микрофон явно
func (m *Manager) SetMuted(id string, muted bool) error {
	c, err := m.lookup(id)
	if err != nil {
		return &Error{CallID: id, Op: "mute", Err: err}
	}
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()

	c.syncMuted()
	return nil
}

// SetSpeaker включает или выключает громкоговоритель
func (m *Manager) SetSpeaker(id string, on bool) error {
	c, err := m.lookup(id)
	if err != nil {
		return &Error{CallID: id, Op: "speaker", Err: err}
	}
	c.mu.Lock()
	c.speaker = on
	c.mu.Unlock()

	c.syncSpeaker()
	return nil
}

// Close завершает активный звонок, ждет фоновые BYE и CANCEL и
// останавливает уведомления. Завершенные исходящие INVITE больше не
// ждут повторов 2xx. По истечении ctx фоновые запросы прерываются.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	c := m.active
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, m.abort)
	defer stop()

	if c != nil {
		m.hangup(ctx, c, EndLocal, ErrClosed)
	}
	m.stopClosing()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.abort()
	m.events.Close()
	return err
}

// Package registration keeps a SIP profile registered with its registrar
// (RFC 3261 section 10).
//
// A Manager holds at most one Registration. Registering another profile
// first removes the previous binding, so one session never has two
// registrations at the same time.
package registration

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

// Requester starts client transactions. Implemented by transaction.Layer.
type Requester interface {
	Request(ctx context.Context, req *sip.Request, network, addr string) (*transaction.ClientTx, error)
}

// Metrics получает переходы состояний. Реализуется metrics.Collector.
type Metrics interface {
	RegistrationState(state string)
}

type noopMetrics struct{}

func (noopMetrics) RegistrationState(string) {}

// Config параметры регистрации
type Config struct {
	// Expires запрашиваемое время жизни привязки
	Expires time.Duration
	// RefreshRatio доля выданного времени, после которой привязка обновляется
	RefreshRatio float64
	// BackoffInitial и BackoffMax ограничивают паузу между попытками после ошибок
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// Local адрес для Via и Contact
	Local message.Local
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Expires:        time.Hour,
		RefreshRatio:   0.9,
		BackoffInitial: time.Second,
		BackoffMax:     time.Minute,
		Local:          message.Local{Network: "udp", Host: "127.0.0.1", Port: 5060},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Expires <= 0 {
		c.Expires = def.Expires
	}
	if c.RefreshRatio <= 0 || c.RefreshRatio >= 1 {
		c.RefreshRatio = def.RefreshRatio
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = def.BackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = max(def.BackoffMax, c.BackoffInitial)
	}
	if c.Local.Network == "" {
		c.Local.Network = def.Local.Network
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

// WithLocator задает способ поиска регистратора. По умолчанию DNS SRV.
func WithLocator(l resolve.Locator) Option {
	return func(m *Manager) {
		if l != nil {
			m.locator = l
		}
	}
}

// Manager управляет регистрацией профиля сессии
type Manager struct {
	tx      Requester
	conf    Config
	log     *slog.Logger
	metrics Metrics
	locator resolve.Locator
	events  *notify.Bus[Event]

	// opMu упорядочивает Register, Unregister и Close
	opMu    sync.Mutex
	mu      sync.Mutex
	current *Registration
	closed  bool
}

// NewManager создает менеджер регистрации поверх транзакционного слоя
func NewManager(tx Requester, conf Config, opts ...Option) *Manager {
	m := &Manager{
		tx:      tx,
		conf:    conf.withDefaults(),
		log:     slog.Default(),
		metrics: noopMetrics{},
		events:  notify.NewBus[Event](),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.locator == nil {
		m.locator = &resolve.SRVLocator{Logger: m.log}
	}
	return m
}

// Subscribe подписывает fn на смену состояний регистрации
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	return m.events.Subscribe(fn)
}

// Current возвращает активную регистрацию или nil
func (m *Manager) Current() *Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Register проверяет профиль и запускает его регистрацию. Предыдущая
// регистрация снимается до отправки первого REGISTER нового профиля.
// Результат приходит уведомлениями: Registering, затем Registered или Failed.
func (m *Manager) Register(ctx context.Context, p profile.Profile) (*Registration, error) {
	aor := p.String()
	if err := p.Validate(); err != nil {
		return nil, &Error{AOR: aor, Err: err}
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &Error{AOR: aor, Err: ErrClosed}
	}
	prev := m.current
	m.mu.Unlock()

	if prev != nil {
		m.log.Info("replacing registration", slog.String("aor", prev.AOR()), slog.String("next", aor))
		if err := prev.Unregister(ctx); err != nil {
			m.log.Warn("previous registration was not removed cleanly", slog.Any("error", err))
		}
	}

	r := newRegistration(m, p)
	m.mu.Lock()
	m.current = r
	m.mu.Unlock()

	r.start()
	return r, nil
}

// Unregister снимает регистрацию. Для nil или уже снятой регистрации
// ничего не делает.
func (m *Manager) Unregister(ctx context.Context, r *Registration) error {
	if r == nil {
		return nil
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return r.Unregister(ctx)
}

// forget убирает r из текущей, если она еще текущая
func (m *Manager) forget(r *Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == r {
		m.current = nil
	}
}

// Close снимает текущую регистрацию и останавливает доставку уведомлений.
func (m *Manager) Close(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cur := m.current
	m.mu.Unlock()

	var err error
	if cur != nil {
		err = cur.Unregister(ctx)
	}
	m.events.Close()
	return err
}

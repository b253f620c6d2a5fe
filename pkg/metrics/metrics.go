package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/walkie_talkie/pkg/sip/transaction"
)

// Namespace префикс всех метрик
const Namespace = "walkie_talkie"

// Collector собирает метрики транзакций, регистрации и звонков.
//
// Все методы безопасны для nil получателя: компоненты вызывают их без
// проверки, включены ли метрики.
type Collector struct {
	transactionsTotal   *prometheus.CounterVec
	transactionTimeouts *prometheus.CounterVec
	retransmissions     *prometheus.CounterVec

	registrationStates *prometheus.CounterVec

	callsTotal    *prometheus.CounterVec
	callsEnded    *prometheus.CounterVec
	callsActive   prometheus.Gauge
	callDurations prometheus.Histogram
}

var _ transaction.Observer = (*Collector)(nil)

// New создает метрики и регистрирует их в reg. При nil reg метрики
// создаются, но не регистрируются.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)

	return &Collector{
		transactionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transaction",
			Name:      "started_total",
			Help:      "Total number of SIP transactions started",
		}, []string{"kind"}),
		transactionTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transaction",
			Name:      "timeouts_total",
			Help:      "Total number of SIP transactions terminated by a timeout",
		}, []string{"kind"}),
		retransmissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transaction",
			Name:      "retransmissions_total",
			Help:      "Total number of retransmitted SIP messages",
		}, []string{"method"}),
		registrationStates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "registration",
			Name:      "state_changes_total",
			Help:      "Total number of registration state changes",
		}, []string{"state"}),
		callsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "call",
			Name:      "started_total",
			Help:      "Total number of calls started",
		}, []string{"direction"}),
		callsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "call",
			Name:      "ended_total",
			Help:      "Total number of calls ended",
		}, []string{"direction", "reason"}),
		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "call",
			Name:      "active",
			Help:      "Number of calls in progress",
		}),
		callDurations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "call",
			Name:      "duration_seconds",
			Help:      "Duration of calls from start to end",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}
}

// TransactionStarted считает новую транзакцию
func (c *Collector) TransactionStarted(kind transaction.Kind) {
	if c == nil {
		return
	}
	c.transactionsTotal.WithLabelValues(string(kind)).Inc()
}

// TransactionTimedOut считает транзакцию, завершенную по таймеру
func (c *Collector) TransactionTimedOut(kind transaction.Kind) {
	if c == nil {
		return
	}
	c.transactionTimeouts.WithLabelValues(string(kind)).Inc()
}

// Retransmitted считает повторную отправку
func (c *Collector) Retransmitted(method string) {
	if c == nil {
		return
	}
	c.retransmissions.WithLabelValues(method).Inc()
}

// RegistrationState считает переход регистрации в state
func (c *Collector) RegistrationState(state string) {
	if c == nil {
		return
	}
	c.registrationStates.WithLabelValues(state).Inc()
}

// CallStarted считает новый звонок
func (c *Collector) CallStarted(direction string) {
	if c == nil {
		return
	}
	c.callsTotal.WithLabelValues(direction).Inc()
	c.callsActive.Inc()
}

// CallEnded считает завершенный звонок и его длительность
func (c *Collector) CallEnded(direction, reason string, d time.Duration) {
	if c == nil {
		return
	}
	c.callsEnded.WithLabelValues(direction, reason).Inc()
	c.callsActive.Dec()
	c.callDurations.Observe(d.Seconds())
}

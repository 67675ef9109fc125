package signaling

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics экспортирует счетчики сигнального ядра в Prometheus.
// Каждый Core регистрирует метрики в своем Registerer, чтобы несколько
// экземпляров (и тесты) не конфликтовали именами.
type Metrics struct {
	jobsTotal   *prometheus.CounterVec
	jobsActive  prometheus.Gauge
	callsTotal  *prometheus.CounterVec
	authRetries prometheus.Counter
	timeouts    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "signaling",
			Name:      "jobs_total",
			Help:      "Количество созданных job по типам",
		}, []string{"type"}),
		jobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "signaling",
			Name:      "jobs_active",
			Help:      "Количество job в полете",
		}),
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "signaling",
			Name:      "calls_total",
			Help:      "Количество вызовов по направлению",
		}, []string{"direction"}),
		authRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "signaling",
			Name:      "auth_retries_total",
			Help:      "Количество повторных отправок после challenge",
		}),
		timeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "signaling",
			Name:      "transaction_timeouts_total",
			Help:      "Количество транзакций, завершившихся таймаутом",
		}),
	}
}

func (m *Metrics) jobAdded(t JobType) {
	m.jobsTotal.WithLabelValues(t.String()).Inc()
	m.jobsActive.Inc()
}

func (m *Metrics) jobRemoved() {
	m.jobsActive.Dec()
}

func (m *Metrics) callStarted(direction string) {
	m.callsTotal.WithLabelValues(direction).Inc()
}

func (m *Metrics) authRetried() {
	m.authRetries.Inc()
}

func (m *Metrics) timedOut() {
	m.timeouts.Inc()
}

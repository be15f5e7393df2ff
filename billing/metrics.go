package billing

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "cdrledger"

// Metrics captures engine health signals. A nil *Metrics records nothing.
type Metrics struct {
	appended     *prometheus.CounterVec
	removed      prometheus.Counter
	errors       *prometheus.CounterVec
	cyclesClosed prometheus.Counter
	accounts     prometheus.Gauge
	duration     *prometheus.HistogramVec
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cdrs_appended_total",
			Help:      "CDRs appended, by service type.",
		}, []string{"service_type"}),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cdrs_removed_total",
			Help:      "CDRs removed.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operation_errors_total",
			Help:      "Failed engine operations, by operation and error kind.",
		}, []string{"op", "kind"}),
		cyclesClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cycles_closed_total",
			Help:      "Cycle snapshots written.",
		}),
		accounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "accounts",
			Help:      "Accounts opened since start.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.appended, m.removed, m.errors, m.cyclesClosed, m.accounts, m.duration)
	}
	return m
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.errors.WithLabelValues(op, errorKind(err)).Inc()
	}
}

func (m *Metrics) cdrAppended(st ServiceType, newAccount bool) {
	if m == nil {
		return
	}
	m.appended.WithLabelValues(st.String()).Inc()
	if newAccount {
		m.accounts.Inc()
	}
}

func (m *Metrics) cdrRemoved() {
	if m == nil {
		return
	}
	m.removed.Inc()
}

func (m *Metrics) cycleClosed() {
	if m == nil {
		return
	}
	m.cyclesClosed.Inc()
}

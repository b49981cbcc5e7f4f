package idscp2

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures Metrics.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
	Registry  prometheus.Registerer
}

// Metrics collects Prometheus counters/gauges for session lifecycle
// events. An Enabled flag gates every recording call so a disabled
// Metrics is a zero-cost no-op; state is otherwise exposed as a
// handful of counters plus one gauge.
type Metrics struct {
	mu      sync.Mutex
	enabled bool

	stateTransitions *prometheus.CounterVec
	handshakeResults *prometheus.CounterVec
	ratFailures      *prometheus.CounterVec
	datRefreshes     prometheus.Counter
	ackRetransmits   prometheus.Counter
	currentState     *prometheus.GaugeVec
}

// NewMetrics builds a Metrics collector. When cfg.Enabled is false the
// returned Metrics records nothing and never touches cfg.Registry: the
// enabled gate is checked before any Prometheus call.
func NewMetrics(cfg MetricsConfig) *Metrics {
	m := &Metrics{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return m
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "idscp2"
	}
	factory := promauto.With(cfg.Registry)
	m.stateTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "state_transitions_total", Help: "Count of FSM transitions by resulting state.",
	}, []string{"state"})
	m.handshakeResults = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "handshake_results_total", Help: "Count of published handshake results.",
	}, []string{"result"})
	m.ratFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "rat_failures_total", Help: "Count of RAT worker failures by role.",
	}, []string{"role"})
	m.datRefreshes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "dat_refreshes_total", Help: "Count of DAT refresh cycles.",
	})
	m.ackRetransmits = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "ack_retransmits_total", Help: "Count of data-message retransmits on ack timeout.",
	})
	m.currentState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "current_state", Help: "1 for the session's current state, 0 otherwise.",
	}, []string{"state"})
	return m
}

func (m *Metrics) RecordTransition(from, to State) {
	if !m.enabled {
		return
	}
	m.stateTransitions.WithLabelValues(to.String()).Inc()
	m.currentState.WithLabelValues(from.String()).Set(0)
	m.currentState.WithLabelValues(to.String()).Set(1)
}

func (m *Metrics) RecordHandshakeResult(result HandshakeResult) {
	if !m.enabled {
		return
	}
	m.handshakeResults.WithLabelValues(result.String()).Inc()
}

func (m *Metrics) RecordRatFailure(role RatRole) {
	if !m.enabled {
		return
	}
	m.ratFailures.WithLabelValues(role.String()).Inc()
}

func (m *Metrics) RecordDatRefresh() {
	if !m.enabled {
		return
	}
	m.datRefreshes.Inc()
}

func (m *Metrics) RecordAckRetransmit() {
	if !m.enabled {
		return
	}
	m.ackRetransmits.Inc()
}

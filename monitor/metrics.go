package monitor

import (
	"errors"
	"sync"
	"time"

	"github.com/glimte/smfcore/contracts"
	"github.com/glimte/smfcore/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "smf"

// PrometheusMetrics implements messaging.MetricsCollector on Prometheus
// collectors.
type PrometheusMetrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	sentTotal        *prometheus.CounterVec
	sendDuration     *prometheus.HistogramVec
	publishFailures  *prometheus.CounterVec
	receivedTotal    *prometheus.CounterVec
	settlementsTotal *prometheus.CounterVec
	txTotal          *prometheus.CounterVec
	txDuration       *prometheus.HistogramVec
	flowState        *prometheus.GaugeVec
}

var _ messaging.MetricsCollector = (*PrometheusMetrics)(nil)

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newHistogramVec(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, labels)
}

// NewPrometheusMetrics creates the collectors. A nil registerer means the
// Prometheus default registerer. Collectors are registered by Register.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		registerer:       registerer,
		sentTotal:        newCounterVec("producer", "sent_total", "Messages sent, by destination and result", "destination", "result"),
		sendDuration:     newHistogramVec("producer", "send_duration_seconds", "Time from publish to broker outcome", "destination"),
		publishFailures:  newCounterVec("producer", "publish_failures_total", "Sends that failed, by reason", "destination", "reason"),
		receivedTotal:    newCounterVec("flow", "received_total", "Messages handed to the caller", "endpoint"),
		settlementsTotal: newCounterVec("flow", "settlements_total", "Acks and nacks, by outcome", "endpoint", "outcome"),
		txTotal:          newCounterVec("session", "transactions_total", "Commits and rollbacks, by result", "op", "result"),
		txDuration:       newHistogramVec("session", "transaction_duration_seconds", "Commit and rollback latency", "op"),
		flowState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "state",
			Help:      "Current flow state; 1 for the active state label",
		}, []string{"endpoint", "state"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *PrometheusMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.sentTotal,
		m.sendDuration,
		m.publishFailures,
		m.receivedTotal,
		m.settlementsTotal,
		m.txTotal,
		m.txDuration,
		m.flowState,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordSend implements messaging.MetricsCollector
func (m *PrometheusMetrics) RecordSend(destination string, duration time.Duration, err error) {
	m.sentTotal.WithLabelValues(destination, result(err)).Inc()
	m.sendDuration.WithLabelValues(destination).Observe(duration.Seconds())
	if err != nil {
		m.publishFailures.WithLabelValues(destination, failureReason(err)).Inc()
	}
}

// RecordReceive implements messaging.MetricsCollector
func (m *PrometheusMetrics) RecordReceive(endpoint string) {
	m.receivedTotal.WithLabelValues(endpoint).Inc()
}

// RecordSettlement implements messaging.MetricsCollector
func (m *PrometheusMetrics) RecordSettlement(endpoint string, outcome string) {
	m.settlementsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// RecordTransaction implements messaging.MetricsCollector
func (m *PrometheusMetrics) RecordTransaction(op string, duration time.Duration, err error) {
	m.txTotal.WithLabelValues(op, result(err)).Inc()
	m.txDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordFlowState implements messaging.MetricsCollector. The gauge for the
// new state is set to 1 and every other state of the endpoint to 0.
func (m *PrometheusMetrics) RecordFlowState(endpoint string, state messaging.FlowState) {
	for _, s := range []messaging.FlowState{
		messaging.FlowCreated,
		messaging.FlowStarted,
		messaging.FlowStopped,
		messaging.FlowClosed,
	} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.flowState.WithLabelValues(endpoint, s.String()).Set(v)
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, contracts.ErrValidation):
		return "validation"
	case errors.Is(err, contracts.ErrClosed):
		return "closed"
	case errors.Is(err, contracts.ErrPublishFailed):
		return "publish"
	default:
		return "other"
	}
}

package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/glimte/smfcore/contracts"
	"github.com/glimte/smfcore/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sample returns the counter or gauge value of the series name{labels},
// or the sample count for a histogram.
func sample(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				got[l.GetName()] = l.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue series
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestPrometheusMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	again := NewPrometheusMetrics(reg)
	assert.NoError(t, again.Register())
}

func TestPrometheusMetrics_RecordSend(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordSend("orders", 2*time.Millisecond, nil)
	m.RecordSend("orders", 3*time.Millisecond, nil)
	m.RecordSend("orders", time.Second, &contracts.PublishError{CorrelationKey: "k", Cause: errors.New("nack")})
	m.RecordSend("orders", 0, contracts.NewValidationError("message", "is nil"))

	assert.Equal(t, 2.0, sample(t, reg, "smf_producer_sent_total", map[string]string{"destination": "orders", "result": "ok"}))
	assert.Equal(t, 2.0, sample(t, reg, "smf_producer_sent_total", map[string]string{"destination": "orders", "result": "error"}))
	assert.Equal(t, 4.0, sample(t, reg, "smf_producer_send_duration_seconds", map[string]string{"destination": "orders"}))
	assert.Equal(t, 1.0, sample(t, reg, "smf_producer_publish_failures_total", map[string]string{"reason": "publish"}))
	assert.Equal(t, 1.0, sample(t, reg, "smf_producer_publish_failures_total", map[string]string{"reason": "validation"}))
}

func TestPrometheusMetrics_FlowCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordReceive("billing")
	m.RecordReceive("billing")
	m.RecordSettlement("billing", messaging.OutcomeAccepted)
	m.RecordSettlement("billing", messaging.OutcomeRejected)
	m.RecordTransaction("commit", time.Millisecond, nil)
	m.RecordTransaction("rollback", time.Millisecond, errors.New("channel closed"))

	assert.Equal(t, 2.0, sample(t, reg, "smf_flow_received_total", map[string]string{"endpoint": "billing"}))
	assert.Equal(t, 1.0, sample(t, reg, "smf_flow_settlements_total", map[string]string{"outcome": "accepted"}))
	assert.Equal(t, 1.0, sample(t, reg, "smf_flow_settlements_total", map[string]string{"outcome": "rejected"}))
	assert.Equal(t, 1.0, sample(t, reg, "smf_session_transactions_total", map[string]string{"op": "commit", "result": "ok"}))
	assert.Equal(t, 1.0, sample(t, reg, "smf_session_transactions_total", map[string]string{"op": "rollback", "result": "error"}))
}

func TestPrometheusMetrics_RecordFlowState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordFlowState("billing", messaging.FlowStarted)
	assert.Equal(t, 1.0, sample(t, reg, "smf_flow_state", map[string]string{"endpoint": "billing", "state": "started"}))

	m.RecordFlowState("billing", messaging.FlowStopped)
	assert.Equal(t, 0.0, sample(t, reg, "smf_flow_state", map[string]string{"endpoint": "billing", "state": "started"}))
	assert.Equal(t, 1.0, sample(t, reg, "smf_flow_state", map[string]string{"endpoint": "billing", "state": "stopped"}))
}

func TestFailureReason(t *testing.T) {
	closed := &contracts.PublishError{Cause: contracts.ErrClosed}
	assert.Equal(t, "closed", failureReason(closed))
	assert.Equal(t, "other", failureReason(errors.New("boom")))
}

package messaging

import (
	"time"

	"github.com/glimte/smfcore/internal/rabbitmq"
)

// Transport types a caller may supply through session options.
type (
	// TokenProvider supplies Kerberos tokens for GSSAPI authentication.
	TokenProvider = rabbitmq.TokenProvider
	// SecureChannelProvider loads non-PEM trust and key stores.
	SecureChannelProvider = rabbitmq.SecureChannelProvider
	// Dialer opens broker connections.
	Dialer = rabbitmq.Dialer
	// Connection is a broker connection as returned by a Dialer.
	Connection = rabbitmq.Connection
	// Channel is a broker channel as returned by a Connection.
	Channel = rabbitmq.Channel
)

// Settlement outcomes reported to MetricsCollector.
const (
	OutcomeAccepted = "accepted"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

// MetricsCollector collects session metrics
type MetricsCollector interface {
	// RecordSend records a publish and how long its outcome took
	RecordSend(destination string, duration time.Duration, err error)

	// RecordReceive records a message handed to the caller
	RecordReceive(endpoint string)

	// RecordSettlement records an ack or nack
	RecordSettlement(endpoint string, outcome string)

	// RecordTransaction records a commit or rollback
	RecordTransaction(op string, duration time.Duration, err error)

	// RecordFlowState records a flow state transition
	RecordFlowState(endpoint string, state FlowState)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordSend does nothing
func (NoOpMetricsCollector) RecordSend(string, time.Duration, error) {}

// RecordReceive does nothing
func (NoOpMetricsCollector) RecordReceive(string) {}

// RecordSettlement does nothing
func (NoOpMetricsCollector) RecordSettlement(string, string) {}

// RecordTransaction does nothing
func (NoOpMetricsCollector) RecordTransaction(string, time.Duration, error) {}

// RecordFlowState does nothing
func (NoOpMetricsCollector) RecordFlowState(string, FlowState) {}

package contracts

import (
	"fmt"
	"strings"
	"time"
)

// AckMode selects who settles guaranteed messages.
type AckMode string

const (
	// ClientAck leaves settlement to explicit Ack/Nack calls.
	ClientAck AckMode = "CLIENT_ACK"
	// AutoAck settles positively when the message is handed to the receiver.
	AutoAck AckMode = "AUTO_ACK"
)

// Endpoint types accepted by ParseSubscription for topic subscriptions.
const (
	EndpointTypeDefault = "DEFAULT"
	EndpointTypeDurable = "DURABLE"
)

// Flow-control limits.
const (
	DefaultTransportWindowSize    = 255
	MaxTransportWindowSize        = 255
	DefaultAckThreshold           = 60
	MaxAckThreshold               = 75
	DefaultAckTimer               = time.Second
	MinAckTimer                   = 20 * time.Millisecond
	MaxAckTimer                   = 1500 * time.Millisecond
	DefaultReconnectRetryInterval = 3 * time.Second
	MinReconnectRetryInterval     = 50 * time.Millisecond
)

// FlowSettings are the flow-control fields shared by every subscription variant.
type FlowSettings struct {
	AckMode              AckMode
	Selector             string
	TransportWindowSize  int
	AckThreshold         int // percent of the window
	AckTimer             time.Duration
	StartState           *bool // nil starts the flow on creation
	NoLocal              bool
	ActiveFlowIndication bool
	// ReconnectTries bounds flow-level reconnection; -1 is unbounded, 0 disables it.
	ReconnectTries         int
	ReconnectRetryInterval time.Duration
}

// SubscriptionConfig is one of QueueSubscription, DirectTopicSubscription
// or DurableTopicSubscription.
type SubscriptionConfig interface {
	Settings() FlowSettings
	Validate() error
	isSubscription()
}

// QueueSubscription consumes a named or temporary queue.
type QueueSubscription struct {
	FlowSettings
	QueueName string
	Temporary bool
}

// DirectTopicSubscription is a best-effort topic listener without flow control.
type DirectTopicSubscription struct {
	FlowSettings
	TopicName string
}

// DurableTopicSubscription attaches a topic to a named durable endpoint.
type DurableTopicSubscription struct {
	FlowSettings
	TopicName    string
	EndpointName string
}

func (s QueueSubscription) Settings() FlowSettings        { return s.FlowSettings.withDefaults() }
func (s DirectTopicSubscription) Settings() FlowSettings  { return s.FlowSettings.withDefaults() }
func (s DurableTopicSubscription) Settings() FlowSettings { return s.FlowSettings.withDefaults() }

func (QueueSubscription) isSubscription()        {}
func (DirectTopicSubscription) isSubscription()  {}
func (DurableTopicSubscription) isSubscription() {}

// Validate checks the queue name and flow-control ranges.
func (s QueueSubscription) Validate() error {
	if s.QueueName == "" && !s.Temporary {
		return NewValidationError(QueueNameKey, "required unless the queue is temporary")
	}
	return s.Settings().Validate()
}

// Validate checks the topic name. Flow-control fields are ignored for direct topics.
func (s DirectTopicSubscription) Validate() error {
	if s.TopicName == "" {
		return NewValidationError(TopicNameKey, "must not be empty")
	}
	return nil
}

// Validate checks topic and endpoint names and flow-control ranges.
func (s DurableTopicSubscription) Validate() error {
	if s.TopicName == "" {
		return NewValidationError(TopicNameKey, "must not be empty")
	}
	if s.EndpointName == "" {
		return NewValidationError("endpointName", "required for durable topic subscriptions")
	}
	return s.Settings().Validate()
}

// Starts reports whether the flow is started on creation.
func (f FlowSettings) Starts() bool {
	return f.StartState == nil || *f.StartState
}

// AckBatchSize returns the number of pending acknowledgements that triggers a flush.
func (f FlowSettings) AckBatchSize() int {
	n := (f.TransportWindowSize*f.AckThreshold + 99) / 100
	if n < 1 {
		return 1
	}
	return n
}

// Validate checks every knob against its allowed range.
func (f FlowSettings) Validate() error {
	switch f.AckMode {
	case ClientAck, AutoAck:
	default:
		return NewValidationError("ackMode", "unknown mode %q", f.AckMode)
	}
	if f.Selector != "" {
		return NewValidationError("selector", "message selectors are not supported by the transport")
	}
	if f.TransportWindowSize < 1 || f.TransportWindowSize > MaxTransportWindowSize {
		return NewValidationError("transportWindowSize", "must be between 1 and %d, got %d", MaxTransportWindowSize, f.TransportWindowSize)
	}
	if f.AckThreshold < 1 || f.AckThreshold > MaxAckThreshold {
		return NewValidationError("ackThreshold", "must be between 1 and %d, got %d", MaxAckThreshold, f.AckThreshold)
	}
	if f.AckTimer < MinAckTimer || f.AckTimer > MaxAckTimer {
		return NewValidationError("ackTimer", "must be between %v and %v, got %v", MinAckTimer, MaxAckTimer, f.AckTimer)
	}
	if f.ReconnectTries < -1 {
		return NewValidationError("reconnectTries", "must be -1 or greater, got %d", f.ReconnectTries)
	}
	if f.ReconnectRetryInterval < MinReconnectRetryInterval {
		return NewValidationError("reconnectRetryInterval", "must be at least %v, got %v", MinReconnectRetryInterval, f.ReconnectRetryInterval)
	}
	return nil
}

func (f FlowSettings) withDefaults() FlowSettings {
	if f.AckMode == "" {
		f.AckMode = ClientAck
	}
	if f.TransportWindowSize == 0 {
		f.TransportWindowSize = DefaultTransportWindowSize
	}
	if f.AckThreshold == 0 {
		f.AckThreshold = DefaultAckThreshold
	}
	if f.AckTimer == 0 {
		f.AckTimer = DefaultAckTimer
	}
	if f.ReconnectRetryInterval == 0 {
		f.ReconnectRetryInterval = DefaultReconnectRetryInterval
	}
	return f
}

// ParseSubscription builds a SubscriptionConfig from a map. A queueName key
// selects a queue subscription; a topicName key selects a direct topic, or a
// durable one when endpointType is DURABLE. The result is validated.
func ParseSubscription(m map[string]any) (SubscriptionConfig, error) {
	settings, err := parseFlowSettings(m)
	if err != nil {
		return nil, err
	}

	var sub SubscriptionConfig
	if _, ok := m[QueueNameKey]; ok {
		name, _ := stringField(m, QueueNameKey)
		temporary, err := boolField(m, "temporary")
		if err != nil {
			return nil, err
		}
		sub = QueueSubscription{FlowSettings: settings, QueueName: name, Temporary: temporary}
	} else if _, ok := m[TopicNameKey]; ok {
		topic, _ := stringField(m, TopicNameKey)
		endpointType, _ := stringField(m, "endpointType")
		switch strings.ToUpper(endpointType) {
		case "", EndpointTypeDefault:
			sub = DirectTopicSubscription{FlowSettings: settings, TopicName: topic}
		case EndpointTypeDurable:
			endpoint, _ := stringField(m, "endpointName")
			sub = DurableTopicSubscription{FlowSettings: settings, TopicName: topic, EndpointName: endpoint}
		default:
			return nil, NewValidationError("endpointType", "unknown endpoint type %q", endpointType)
		}
	} else {
		return nil, ErrMissingField
	}

	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return sub, nil
}

func parseFlowSettings(m map[string]any) (FlowSettings, error) {
	var f FlowSettings
	var err error

	if mode, ok := stringField(m, "ackMode"); ok {
		f.AckMode = AckMode(strings.ToUpper(mode))
	}
	f.Selector, _ = stringField(m, "selector")
	if f.TransportWindowSize, err = intField(m, "transportWindowSize"); err != nil {
		return f, err
	}
	if f.AckThreshold, err = intField(m, "ackThreshold"); err != nil {
		return f, err
	}
	timer, err := intField(m, "ackTimerInMsecs")
	if err != nil {
		return f, err
	}
	f.AckTimer = time.Duration(timer) * time.Millisecond
	if _, ok := m["startState"]; ok {
		start, err := boolField(m, "startState")
		if err != nil {
			return f, err
		}
		f.StartState = &start
	}
	if f.NoLocal, err = boolField(m, "noLocal"); err != nil {
		return f, err
	}
	if f.ActiveFlowIndication, err = boolField(m, "activeFlowIndication"); err != nil {
		return f, err
	}
	if f.ReconnectTries, err = intField(m, "reconnectTries"); err != nil {
		return f, err
	}
	interval, err := intField(m, "reconnectRetryIntervalInMsecs")
	if err != nil {
		return f, err
	}
	f.ReconnectRetryInterval = time.Duration(interval) * time.Millisecond
	return f, nil
}

func intField(m map[string]any, key string) (int, error) {
	switch v := m[key].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case int32:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		var n int
		if _, err := fmt.Sscan(fmt.Sprint(v), &n); err != nil {
			return 0, NewValidationError(key, "not an integer: %v", v)
		}
		return n, nil
	}
}

func boolField(m map[string]any, key string) (bool, error) {
	switch v := m[key].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, NewValidationError(key, "not a boolean: %v", v)
	}
}

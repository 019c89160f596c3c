package contracts

import (
	"fmt"
	"strings"
)

const (
	// QueueNameKey is the map key of a queue destination.
	QueueNameKey = "queueName"
	// TopicNameKey is the map key of a topic destination.
	TopicNameKey = "topicName"
)

// Destination is either a Queue or a Topic.
type Destination interface {
	// Name returns the broker-level name of the destination.
	Name() string
	// String returns the reply-to encoding of the destination.
	String() string
	isDestination()
}

// Queue is a point-to-point destination.
type Queue struct {
	QueueName string
}

// Topic is a publish/subscribe destination. Levels are separated by '/'.
type Topic struct {
	TopicName string
}

func (q Queue) Name() string   { return q.QueueName }
func (q Queue) String() string { return "queue:" + q.QueueName }
func (Queue) isDestination()   {}

func (t Topic) Name() string   { return t.TopicName }
func (t Topic) String() string { return "topic:" + t.TopicName }
func (Topic) isDestination()   {}

// RoutingKey converts the topic into an AMQP topic-exchange routing key.
// Level separators become '.', and the '>' trailing wildcard becomes '#'.
func (t Topic) RoutingKey() string {
	levels := strings.Split(t.TopicName, "/")
	for i, level := range levels {
		if level == ">" {
			levels[i] = "#"
		}
	}
	return strings.Join(levels, ".")
}

// ParseDestination builds a Destination from a map holding exactly one of
// queueName or topicName.
func ParseDestination(m map[string]any) (Destination, error) {
	queueName, hasQueue := stringField(m, QueueNameKey)
	topicName, hasTopic := stringField(m, TopicNameKey)

	switch {
	case hasQueue && hasTopic, !hasQueue && !hasTopic:
		return nil, ErrMissingField
	case hasQueue:
		if queueName == "" {
			return nil, NewValidationError(QueueNameKey, "must not be empty")
		}
		return Queue{QueueName: queueName}, nil
	default:
		if topicName == "" {
			return nil, NewValidationError(TopicNameKey, "must not be empty")
		}
		return Topic{TopicName: topicName}, nil
	}
}

// EncodeDestination returns the single-field map shape of d.
func EncodeDestination(d Destination) map[string]any {
	switch v := d.(type) {
	case Queue:
		return map[string]any{QueueNameKey: v.QueueName}
	case Topic:
		return map[string]any{TopicNameKey: v.TopicName}
	default:
		return nil
	}
}

// ParseReplyTo decodes the String() form of a destination. A bare name is a queue.
func ParseReplyTo(s string) (Destination, bool) {
	switch {
	case s == "":
		return nil, false
	case strings.HasPrefix(s, "topic:"):
		return Topic{TopicName: strings.TrimPrefix(s, "topic:")}, true
	case strings.HasPrefix(s, "queue:"):
		return Queue{QueueName: strings.TrimPrefix(s, "queue:")}, true
	default:
		return Queue{QueueName: s}, true
	}
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

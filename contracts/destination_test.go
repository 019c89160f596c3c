package contracts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDestination(t *testing.T) {
	t.Run("Queue name yields a Queue", func(t *testing.T) {
		d, err := ParseDestination(map[string]any{"queueName": "orders"})

		require.NoError(t, err)
		assert.Equal(t, Queue{QueueName: "orders"}, d)
		assert.Equal(t, "orders", d.Name())
	})

	t.Run("Topic name yields a Topic", func(t *testing.T) {
		d, err := ParseDestination(map[string]any{"topicName": "a/b/c"})

		require.NoError(t, err)
		assert.Equal(t, Topic{TopicName: "a/b/c"}, d)
	})

	t.Run("Missing both fields fails", func(t *testing.T) {
		_, err := ParseDestination(map[string]any{"other": "x"})

		assert.ErrorIs(t, err, ErrMissingField)
		assert.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("Both fields present fails", func(t *testing.T) {
		_, err := ParseDestination(map[string]any{"queueName": "q", "topicName": "t"})

		assert.ErrorIs(t, err, ErrMissingField)
	})

	t.Run("Empty name fails", func(t *testing.T) {
		_, err := ParseDestination(map[string]any{"queueName": ""})

		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestEncodeDestination(t *testing.T) {
	t.Run("Encode then parse round-trips", func(t *testing.T) {
		for _, d := range []Destination{Queue{QueueName: "q1"}, Topic{TopicName: "t/1"}} {
			parsed, err := ParseDestination(EncodeDestination(d))
			require.NoError(t, err)
			assert.Equal(t, d, parsed)
		}
	})

	t.Run("Queue encodes to a single queueName field", func(t *testing.T) {
		assert.Equal(t, map[string]any{"queueName": "q1"}, EncodeDestination(Queue{QueueName: "q1"}))
	})
}

func TestTopicRoutingKey(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"orders/created", "orders.created"},
		{"orders/*/eu", "orders.*.eu"},
		{"orders/>", "orders.#"},
		{"plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, Topic{TopicName: tt.topic}.RoutingKey())
		})
	}
}

func TestParseReplyTo(t *testing.T) {
	t.Run("Prefixed forms round-trip", func(t *testing.T) {
		for _, d := range []Destination{Queue{QueueName: "r"}, Topic{TopicName: "x/y"}} {
			parsed, ok := ParseReplyTo(d.String())
			require.True(t, ok)
			assert.Equal(t, d, parsed)
		}
	})

	t.Run("Bare name is a queue", func(t *testing.T) {
		parsed, ok := ParseReplyTo("amq.rabbitmq.reply-to")
		require.True(t, ok)
		assert.Equal(t, Queue{QueueName: "amq.rabbitmq.reply-to"}, parsed)
	})

	t.Run("Empty string is absent", func(t *testing.T) {
		_, ok := ParseReplyTo("")
		assert.False(t, ok)
	})
}

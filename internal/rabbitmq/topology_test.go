package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func opener(ch Channel) ChannelOpener {
	return func() (Channel, error) { return ch, nil }
}

func TestTopologyManager(t *testing.T) {
	t.Run("ProvisionEndpoint declares a durable queue", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("QueueDeclare", "ep1", true, false, false, false, amqp.Table{}).Return(amqp.Queue{Name: "ep1"}, nil)
		ch.On("Close").Return()

		tm := NewTopologyManager(opener(ch), "")
		require.NoError(t, tm.ProvisionEndpoint(context.Background(), "ep1", false))
		ch.AssertExpectations(t)
	})

	t.Run("Already existing endpoint is not an error", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("QueueDeclare", "ep1", true, false, false, false, mock.Anything).
			Return(amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg"})
		ch.On("Close").Return()

		tm := NewTopologyManager(opener(ch), "")
		assert.NoError(t, tm.ProvisionEndpoint(context.Background(), "ep1", false))
	})

	t.Run("Other declare failures surface as TopologyError", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("QueueDeclare", "ep1", true, false, false, false, mock.Anything).
			Return(amqp.Queue{}, &amqp.Error{Code: amqp.AccessRefused})
		ch.On("Close").Return()

		tm := NewTopologyManager(opener(ch), "")
		err := tm.ProvisionEndpoint(context.Background(), "ep1", false)

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "endpoint", topoErr.Component)
	})

	t.Run("Dead message queue and single active consumer arguments", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("QueueDeclare", "#DMQ", true, false, false, false, amqp.Table(nil)).Return(amqp.Queue{}, nil)
		ch.On("QueueDeclare", "ep1", true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": "#DMQ",
			"x-single-active-consumer":  true,
		}).Return(amqp.Queue{}, nil)
		ch.On("Close").Return()

		tm := NewTopologyManager(opener(ch), "#DMQ")
		require.NoError(t, tm.ProvisionEndpoint(context.Background(), "ep1", true))
		ch.AssertExpectations(t)
	})

	t.Run("BindQueue binds on the given exchange", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("QueueBind", "ep1", "a.b", "amq.topic", false, amqp.Table(nil)).Return(nil)
		ch.On("Close").Return()

		tm := NewTopologyManager(opener(ch), "")
		require.NoError(t, tm.BindQueue(context.Background(), Binding{Queue: "ep1", Exchange: "amq.topic", RoutingKey: "a.b"}))
		ch.AssertExpectations(t)
	})

	t.Run("Opener failures are reported", func(t *testing.T) {
		tm := NewTopologyManager(func() (Channel, error) { return nil, ErrConnectionClosed }, "")
		err := tm.ProvisionEndpoint(context.Background(), "ep1", false)
		assert.ErrorIs(t, err, ErrConnectionClosed)
	})

	t.Run("Cancelled context skips the broker", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		tm := NewTopologyManager(func() (Channel, error) { return nil, errors.New("must not open") }, "")
		err := tm.BindQueue(ctx, Binding{Queue: "q"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDeclareQueue(t *testing.T) {
	ch := &mockChannel{}
	ch.On("QueueDeclare", "", false, true, true, false, amqp.Table(nil)).Return(amqp.Queue{Name: "amq.gen-1"}, nil)

	q, err := DeclareQueue(ch, QueueDeclaration{AutoDelete: true, Exclusive: true})
	require.NoError(t, err)
	assert.Equal(t, "amq.gen-1", q.Name)
}

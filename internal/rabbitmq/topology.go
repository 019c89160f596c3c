package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelOpener opens a fresh channel on the base, non-transacted connection.
type ChannelOpener func() (Channel, error)

// TopologyManager provisions endpoints. Provisioning is a control-plane
// operation, so every call runs on a short-lived channel of its own: a
// refused redeclare closes only that channel.
type TopologyManager struct {
	open         ChannelOpener
	deadMessageQ string
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// NewTopologyManager creates a new topology manager. When deadMessageQueue is
// set, durable endpoints dead-letter rejected messages to it.
func NewTopologyManager(open ChannelOpener, deadMessageQueue string) *TopologyManager {
	return &TopologyManager{
		open:         open,
		deadMessageQ: deadMessageQueue,
	}
}

// ProvisionEndpoint declares a durable endpoint. An endpoint that already
// exists, even with different arguments, is not an error.
func (tm *TopologyManager) ProvisionEndpoint(ctx context.Context, name string, singleActiveConsumer bool) error {
	args := amqp.Table{}
	if tm.deadMessageQ != "" {
		if err := tm.provisionDeadMessageQueue(ctx); err != nil {
			return err
		}
		args["x-dead-letter-exchange"] = ""
		args["x-dead-letter-routing-key"] = tm.deadMessageQ
	}
	if singleActiveConsumer {
		args["x-single-active-consumer"] = true
	}

	err := tm.execute(ctx, func(ch Channel) error {
		_, err := ch.QueueDeclare(name, true, false, false, false, args)
		return err
	})
	if err != nil && !IsAlreadyExists(err) {
		return &TopologyError{Component: "endpoint", Name: name, Op: "provision", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	err := tm.execute(ctx, func(ch Channel) error {
		return ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments)
	})
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "bind", Err: err, Timestamp: time.Now()}
	}
	return nil
}

func (tm *TopologyManager) provisionDeadMessageQueue(ctx context.Context) error {
	err := tm.execute(ctx, func(ch Channel) error {
		_, err := ch.QueueDeclare(tm.deadMessageQ, true, false, false, false, nil)
		return err
	})
	if err != nil && !IsAlreadyExists(err) {
		return &TopologyError{Component: "queue", Name: tm.deadMessageQ, Op: "provision", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// execute runs fn on a fresh channel and closes it afterwards
func (tm *TopologyManager) execute(ctx context.Context, fn func(Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := tm.open()
	if err != nil {
		return fmt.Errorf("failed to open provisioning channel: %w", err)
	}
	defer func() {
		if !ch.IsClosed() {
			ch.Close()
		}
	}()
	return fn(ch)
}

// DeclareQueue declares a queue on a channel the caller owns. Exclusive
// queues must be declared on the channel's own connection, which is why
// flows declare their queues here rather than through the manager.
func DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// mockChannel is a testify mock of Channel
type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return m.Called(prefetchCount, prefetchSize, global).Error(0)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ret := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	ch, _ := ret.Get(0).(<-chan amqp.Delivery)
	return ch, ret.Error(1)
}

func (m *mockChannel) Cancel(consumer string, noWait bool) error {
	return m.Called(consumer, noWait).Error(0)
}

func (m *mockChannel) Ack(tag uint64, multiple bool) error {
	return m.Called(tag, multiple).Error(0)
}

func (m *mockChannel) Nack(tag uint64, multiple, requeue bool) error {
	return m.Called(tag, multiple, requeue).Error(0)
}

func (m *mockChannel) Tx() error         { return m.Called().Error(0) }
func (m *mockChannel) TxCommit() error   { return m.Called().Error(0) }
func (m *mockChannel) TxRollback() error { return m.Called().Error(0) }

func (m *mockChannel) Confirm(noWait bool) error {
	return m.Called(noWait).Error(0)
}

func (m *mockChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	return confirm
}

func (m *mockChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return c
}

func (m *mockChannel) GetNextPublishSeqNo() uint64 {
	return uint64(m.Called().Int(0))
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(ctx, exchange, key, mandatory, immediate, msg).Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ret := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return ret.Get(0).(amqp.Queue), ret.Error(1)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *mockChannel) IsClosed() bool { return false }

func (m *mockChannel) Close() error {
	m.Called()
	return nil
}

// fakeConnection is a Connection whose loss can be simulated
type fakeConnection struct {
	mu       sync.Mutex
	closed   bool
	receiver chan *amqp.Error
	channel  Channel
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	return c.channel, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiver = receiver
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		if c.receiver != nil {
			close(c.receiver)
		}
	}
	return nil
}

// drop simulates a broker-initiated connection loss
func (c *fakeConnection) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.receiver != nil {
		c.receiver <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "forced", Server: true}
		close(c.receiver)
	}
}

package rabbitmq

import (
	"context"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by sessions, flows and producers.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Tx() error
	TxCommit() error
	TxRollback() error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	GetNextPublishSeqNo() uint64
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection used by the connection manager.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string, cfg amqp.Config) (Connection, error)

// DialAMQP is the Dialer backed by amqp091-go.
func DialAMQP(url string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{Connection: conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// netDial mirrors amqp.DefaultDial with an optional local address. The
// deadline covers the TLS and AMQP handshakes; amqp091 clears it once the
// connection is open.
func netDial(timeout time.Duration, localAddr string) (func(network, addr string) (net.Conn, error), error) {
	dialer := &net.Dialer{Timeout: timeout}
	if localAddr != "" {
		hostPort := localAddr
		if _, _, err := net.SplitHostPort(localAddr); err != nil {
			hostPort = net.JoinHostPort(localAddr, "0")
		}
		addr, err := net.ResolveTCPAddr("tcp", hostPort)
		if err != nil {
			return nil, err
		}
		dialer.LocalAddr = addr
	}

	return func(network, addr string) (net.Conn, error) {
		conn, err := dialer.Dial(network, addr)
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
				conn.Close()
				return nil, err
			}
		}
		return conn, nil
	}, nil
}

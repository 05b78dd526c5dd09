package queue

import (
	"github.com/streadway/amqp"
)

// AMQPConnection is the part of *amqp.Connection the RabbitMQ transport uses.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)

	// NotifyClose delivers the close reason once and then closes receiver.
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error

	Close() error
}

// AMQPChannel is the part of *amqp.Channel the RabbitMQ transport uses.
// A failed passive QueueInspect closes the channel on the broker side, so
// callers inspect on a throwaway channel.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueInspect(name string) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

var _ AMQPChannel = (*amqp.Channel)(nil)

// AMQPDialer opens broker connections. Tests inject MockAMQPDialer.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

// brokerDialer dials a real RabbitMQ server.
type brokerDialer struct{}

func (brokerDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return brokerConn{conn}, nil
}

// brokerConn narrows Channel to the AMQPChannel interface.
type brokerConn struct {
	*amqp.Connection
}

func (c brokerConn) Channel() (AMQPChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

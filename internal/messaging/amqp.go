// Package messaging carries order, stock and payment events over RabbitMQ
// topic exchanges with publisher confirms, consumer retries and
// dead-lettering.
package messaging

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by the publisher and consumer.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Connection is a broker connection able to open channels.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a new broker connection.
type Dialer func() (Connection, error)

// Counter increments named process counters.
type Counter interface {
	Inc(name string)
}

// Counter names.
const (
	CounterConsumerAcked        = "consumer.acked"
	CounterConsumerRetried      = "consumer.retried"
	CounterConsumerDeadLettered = "consumer.dead_lettered"
	CounterConsumerDuplicate    = "consumer.duplicate"
	CounterPublishConfirmed     = "publish.confirmed"
	CounterBrokerReconnected    = "broker.reconnected"
)

// DialURL returns a Dialer connecting to url.
func DialURL(url string) Dialer {
	return func() (Connection, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, err
		}
		return amqpConnection{conn}, nil
	}
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func inc(c Counter, name string) {
	if c != nil {
		c.Inc(name)
	}
}

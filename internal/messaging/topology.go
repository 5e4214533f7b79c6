package messaging

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange and queue names.
const (
	ExchangeOrders     = "order.events"
	ExchangeDeadLetter = "order.events.dlx"
	ExchangeStock      = "stock.events"
	ExchangePayment    = "payment.events"
	DeadLetterQueue    = "order.events.dlq"
)

const deadLetterTTL = 7 * 24 * time.Hour

// Message headers.
const (
	HeaderRetryCount         = "x-retry-count"
	HeaderOriginalExchange   = "x-original-exchange"
	HeaderOriginalRoutingKey = "x-original-routing-key"
)

// Exchanges lists every exchange the service declares. All are durable
// topic exchanges.
func Exchanges() []string {
	return []string{ExchangeOrders, ExchangeDeadLetter, ExchangeStock, ExchangePayment}
}

// QueueBinding binds a consumer queue to an exchange routing key.
type QueueBinding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// DeadLetterKey is the routing key used when the queue rejects a message.
func (b QueueBinding) DeadLetterKey() string {
	return "dlq." + b.RoutingKey
}

// ConsumerQueues lists the queues the order service consumes.
func ConsumerQueues() []QueueBinding {
	return []QueueBinding{
		{Queue: "order.stock.reserved", Exchange: ExchangeStock, RoutingKey: "stock.reserved"},
		{Queue: "order.stock.reservation.failed", Exchange: ExchangeStock, RoutingKey: "stock.reservation.failed"},
		{Queue: "order.payment.success", Exchange: ExchangePayment, RoutingKey: "payment.success"},
		{Queue: "order.payment.failed", Exchange: ExchangePayment, RoutingKey: "payment.failed"},
	}
}

// DeclareExchanges declares every exchange and the dead-letter queue.
func DeclareExchanges(ch Channel) error {
	for _, name := range Exchanges() {
		if err := ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	_, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, amqp.Table{
		"x-message-ttl": deadLetterTTL.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", DeadLetterQueue, err)
	}
	if err := ch.QueueBind(DeadLetterQueue, "#", ExchangeDeadLetter, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", DeadLetterQueue, err)
	}
	return nil
}

// DeclareQueues declares and binds consumer queues, each dead-lettering to
// the dead-letter exchange.
func DeclareQueues(ch Channel, queues []QueueBinding) error {
	for _, q := range queues {
		_, err := ch.QueueDeclare(q.Queue, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    ExchangeDeadLetter,
			"x-dead-letter-routing-key": q.DeadLetterKey(),
		})
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Queue, err)
		}
		if err := ch.QueueBind(q.Queue, q.RoutingKey, q.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q.Queue, err)
		}
	}
	return nil
}

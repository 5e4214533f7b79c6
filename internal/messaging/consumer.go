package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"orderflow/internal/reliability"
)

// Handler processes one decoded message. A returned error triggers a retry.
type Handler func(ctx context.Context, env Envelope) error

// ConsumerConfig tunes queue intake.
type ConsumerConfig struct {
	Queues               []QueueBinding
	Prefetch             int
	MaxRetries           int
	RetryDelay           reliability.Backoff
	MaxReconnectAttempts int
	ReconnectBackoff     reliability.Backoff
}

// DefaultConsumerConfig consumes the order service queues one message at a
// time, retrying a failed message three times before dead-lettering it.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Queues:               ConsumerQueues(),
		Prefetch:             1,
		MaxRetries:           3,
		RetryDelay:           reliability.LinearBackoff(time.Second),
		MaxReconnectAttempts: 10,
		ReconnectBackoff:     reliability.ExponentialBackoff(time.Second, 30*time.Second),
	}
}

// Consumer delivers queued messages to registered handlers.
type Consumer struct {
	dial    Dialer
	cfg     ConsumerConfig
	dedupe  Deduper
	counter Counter
	logger  *zap.Logger
	tracer  trace.Tracer
	sleep   func(context.Context, time.Duration) error

	mu        sync.RWMutex
	handlers  map[string]Handler
	connected bool
}

// NewConsumer constructs a Consumer. dedupe may be nil.
func NewConsumer(dial Dialer, cfg ConsumerConfig, dedupe Deduper, counter Counter, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	if cfg.RetryDelay == nil {
		cfg.RetryDelay = reliability.LinearBackoff(time.Second)
	}
	if cfg.ReconnectBackoff == nil {
		cfg.ReconnectBackoff = reliability.ExponentialBackoff(time.Second, 30*time.Second)
	}
	return &Consumer{
		dial:     dial,
		cfg:      cfg,
		dedupe:   dedupe,
		counter:  counter,
		logger:   logger,
		tracer:   otel.Tracer("orderflow/messaging"),
		sleep:    reliability.SleepWithContext,
		handlers: make(map[string]Handler),
	}
}

// Register sets the handler for an event type or queue routing key.
func (c *Consumer) Register(eventType string, h Handler) {
	c.mu.Lock()
	c.handlers[eventType] = h
	c.mu.Unlock()
	c.logger.Info("registered handler", zap.String("event_type", eventType))
}

func (c *Consumer) handler(eventType, routingKey string) Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.handlers[eventType]; ok {
		return h
	}
	return c.handlers[routingKey]
}

// Healthy reports whether the consumer currently holds a connection.
func (c *Consumer) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Consumer) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Run consumes until ctx is cancelled, reconnecting after connection loss.
// It returns an error once reconnection attempts are exhausted.
func (c *Consumer) Run(ctx context.Context) error {
	attempt := 0
	for {
		established, err := c.consume(ctx)
		c.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			attempt = 0
		}
		attempt++
		if attempt > c.cfg.MaxReconnectAttempts {
			return fmt.Errorf("consumer gave up after %d reconnect attempts: %w", c.cfg.MaxReconnectAttempts, err)
		}
		delay := c.cfg.ReconnectBackoff(attempt)
		c.logger.Warn("consumer disconnected, reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx context.Context) (bool, error) {
	conn, err := c.dial()
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return false, fmt.Errorf("set prefetch: %w", err)
	}
	if err := DeclareExchanges(ch); err != nil {
		return false, err
	}
	if err := DeclareQueues(ch, c.cfg.Queues); err != nil {
		return false, err
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, q := range c.cfg.Queues {
		deliveries, err := ch.Consume(q.Queue, "", false, false, false, false, nil)
		if err != nil {
			cancel()
			wg.Wait()
			return false, fmt.Errorf("consume %s: %w", q.Queue, err)
		}
		wg.Add(1)
		go func(q QueueBinding, deliveries <-chan amqp.Delivery) {
			defer wg.Done()
			for {
				select {
				case <-consumeCtx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					c.handle(consumeCtx, ch, q, d)
				}
			}
		}(q, deliveries)
	}
	c.setConnected(true)
	c.logger.Info("started consuming", zap.Int("queues", len(c.cfg.Queues)))

	var cause error
	select {
	case <-ctx.Done():
	case amqpErr, ok := <-closed:
		cause = errors.New("connection closed")
		if ok && amqpErr != nil {
			cause = amqpErr
		}
	}
	cancel()
	_ = ch.Close()
	wg.Wait()
	return true, cause
}

func (c *Consumer) handle(ctx context.Context, ch Channel, q QueueBinding, d amqp.Delivery) {
	start := time.Now()
	log := c.logger.With(zap.String("queue", q.Queue))

	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		log.Error("malformed message, sending to DLQ", zap.String("message_id", d.MessageId), zap.Error(err))
		c.deadLetter(d, log)
		return
	}
	log = log.With(
		zap.String("event_type", env.EventType),
		zap.String("message_id", env.MessageID),
		zap.String("correlation_id", env.CorrelationID),
	)
	log.Info("received message")

	h := c.handler(env.EventType, q.RoutingKey)
	if h == nil {
		log.Warn("no handler found for event, sending to DLQ")
		c.deadLetter(d, log)
		return
	}

	msgCtx, span := c.tracer.Start(extractTraceContext(ctx, d.Headers), "consume "+q.Queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", q.Queue),
			attribute.String("messaging.message.id", env.MessageID),
		),
	)
	defer span.End()

	if c.dedupe != nil && env.MessageID != "" {
		seen, err := c.dedupe.Seen(msgCtx, env.MessageID)
		switch {
		case err != nil:
			log.Warn("message de-duplication lookup failed", zap.Error(err))
		case seen:
			log.Info("duplicate message skipped")
			inc(c.counter, CounterConsumerDuplicate)
			c.ack(d, log)
			return
		}
	}

	if err := h(msgCtx, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("error processing message", zap.Error(err))
		c.retryOrDeadLetter(msgCtx, ch, q, d, log)
		return
	}

	if c.dedupe != nil && env.MessageID != "" {
		if err := c.dedupe.MarkProcessed(msgCtx, env.MessageID); err != nil {
			log.Warn("could not record processed message", zap.Error(err))
		}
	}
	inc(c.counter, CounterConsumerAcked)
	c.ack(d, log)
	log.Info("message processed successfully", zap.Duration("processing_time", time.Since(start)))
}

// retryOrDeadLetter republishes a failed message straight to its queue with
// an incremented retry count, or dead-letters it once retries are spent.
func (c *Consumer) retryOrDeadLetter(ctx context.Context, ch Channel, q QueueBinding, d amqp.Delivery, log *zap.Logger) {
	retries := headerInt(d.Headers, HeaderRetryCount)
	if retries >= c.cfg.MaxRetries {
		log.Error("max retries reached, sending to DLQ", zap.Int("retry_count", retries))
		c.deadLetter(d, log)
		return
	}

	delay := c.cfg.RetryDelay(retries + 1)
	log.Info("requeuing message for retry", zap.Int("retry_count", retries+1), zap.Duration("delay", delay))
	if err := c.sleep(ctx, delay); err != nil {
		c.requeue(d, log)
		return
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderRetryCount] = int32(retries + 1)
	if _, ok := headers[HeaderOriginalExchange]; !ok {
		headers[HeaderOriginalExchange] = d.Exchange
	}
	if _, ok := headers[HeaderOriginalRoutingKey]; !ok {
		headers[HeaderOriginalRoutingKey] = d.RoutingKey
	}

	err := ch.PublishWithContext(ctx, "", q.Queue, false, false, amqp.Publishing{
		Headers:       headers,
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     d.MessageId,
		CorrelationId: d.CorrelationId,
		Timestamp:     d.Timestamp,
		Type:          d.Type,
		Body:          d.Body,
	})
	if err != nil {
		log.Error("could not republish message for retry", zap.Error(err))
		c.requeue(d, log)
		return
	}
	inc(c.counter, CounterConsumerRetried)
	c.ack(d, log)
}

func (c *Consumer) ack(d amqp.Delivery, log *zap.Logger) {
	if err := d.Ack(false); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}

func (c *Consumer) requeue(d amqp.Delivery, log *zap.Logger) {
	if err := d.Nack(false, true); err != nil {
		log.Error("nack failed", zap.Error(err))
	}
}

func (c *Consumer) deadLetter(d amqp.Delivery, log *zap.Logger) {
	inc(c.counter, CounterConsumerDeadLettered)
	if err := d.Nack(false, false); err != nil {
		log.Error("nack failed", zap.Error(err))
	}
}

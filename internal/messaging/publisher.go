package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"orderflow/internal/reliability"
)

var (
	// ErrNotConnected is returned when no broker connection can be opened.
	ErrNotConnected = errors.New("broker not connected")
	// ErrNacked is returned when the broker rejects a published message.
	ErrNacked = errors.New("publish not acknowledged by broker")
	// ErrConfirmTimeout is returned when no confirm arrives in time.
	ErrConfirmTimeout = errors.New("publish confirm timed out")
)

// PublisherConfig tunes confirms, retries and reconnection.
type PublisherConfig struct {
	ConfirmTimeout       time.Duration
	MaxReconnectAttempts int
	Retry                reliability.RetryPolicy
	ReconnectBackoff     reliability.Backoff
}

// DefaultPublisherConfig retries three times waiting one second per
// attempt and reconnects with exponential backoff capped at 30s.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		ConfirmTimeout:       5 * time.Second,
		MaxReconnectAttempts: 10,
		Retry: reliability.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     reliability.LinearBackoff(time.Second),
			Jitter:      reliability.NoJitter,
		},
		ReconnectBackoff: reliability.ExponentialBackoff(time.Second, 30*time.Second),
	}
}

// Publisher publishes envelopes on a confirm-mode channel. Publishes are
// serialized so each confirm can be matched to its message.
type Publisher struct {
	dial    Dialer
	cfg     PublisherConfig
	logger  *zap.Logger
	counter Counter
	tracer  trace.Tracer
	newID   func() string
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error

	mu       sync.Mutex
	conn     Connection
	ch       Channel
	confirms chan amqp.Confirmation
	closed   bool
}

// NewPublisher constructs a Publisher. Connect is optional: the first
// publish connects lazily.
func NewPublisher(dial Dialer, cfg PublisherConfig, counter Counter, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}
	if cfg.ReconnectBackoff == nil {
		cfg.ReconnectBackoff = reliability.ExponentialBackoff(time.Second, 30*time.Second)
	}
	return &Publisher{
		dial:    dial,
		cfg:     cfg,
		logger:  logger,
		counter: counter,
		tracer:  otel.Tracer("orderflow/messaging"),
		newID:   uuid.NewString,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   reliability.SleepWithContext,
	}
}

// Connect opens the connection, enables confirms and declares the topology.
func (p *Publisher) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked()
}

func (p *Publisher) connectLocked() error {
	if p.closed {
		return ErrNotConnected
	}
	if p.ch != nil {
		return nil
	}
	conn, err := p.dial()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	if err := DeclareExchanges(ch); err != nil {
		_ = conn.Close()
		return err
	}

	p.conn, p.ch, p.confirms = conn, ch, confirms
	go p.watch(conn, conn.NotifyClose(make(chan *amqp.Error, 1)))
	p.logger.Info("broker connected with publisher confirms")
	return nil
}

func (p *Publisher) watch(conn Connection, closed chan *amqp.Error) {
	amqpErr, ok := <-closed
	p.mu.Lock()
	if p.closed || p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn, p.ch, p.confirms = nil, nil, nil
	p.mu.Unlock()

	if ok && amqpErr != nil {
		p.logger.Error("broker connection lost", zap.String("reason", amqpErr.Reason), zap.Int("code", amqpErr.Code))
	} else {
		p.logger.Warn("broker connection closed")
	}
	p.reconnect()
}

func (p *Publisher) reconnect() {
	for attempt := 1; attempt <= p.cfg.MaxReconnectAttempts; attempt++ {
		delay := p.cfg.ReconnectBackoff(attempt)
		p.logger.Info("reconnecting to broker", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		if err := p.sleep(context.Background(), delay); err != nil {
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		err := p.connectLocked()
		p.mu.Unlock()
		if err == nil {
			inc(p.counter, CounterBrokerReconnected)
			return
		}
		p.logger.Warn("broker reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	p.logger.Error("max broker reconnection attempts reached")
}

// Publish wraps payload in an envelope and publishes it, retrying until
// the broker confirms or attempts run out.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey, eventType string, payload any, correlationID string) (err error) {
	ctx, span := p.tracer.Start(ctx, "publish "+routingKey, trace.WithSpanKind(trace.SpanKindProducer), trace.WithAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", exchange),
		attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	env := Envelope{
		EventType:     eventType,
		Payload:       data,
		MessageID:     p.newID(),
		PublishedAt:   p.now(),
		CorrelationID: correlationID,
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.MessageID
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	span.SetAttributes(attribute.String("messaging.message.id", env.MessageID))

	log := p.logger.With(
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
		zap.String("message_id", env.MessageID),
		zap.String("correlation_id", env.CorrelationID),
	)

	retry := p.cfg.Retry
	retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn("publish attempt failed, retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	if retry.Sleep == nil {
		retry.Sleep = p.sleep
	}

	attempt := 0
	err = retry.Do(ctx, func() error {
		headers := amqp.Table{
			HeaderRetryCount:         int32(attempt),
			HeaderOriginalExchange:   exchange,
			HeaderOriginalRoutingKey: routingKey,
		}
		attempt++
		injectTraceContext(ctx, headers)
		return p.publishOnce(ctx, exchange, routingKey, amqp.Publishing{
			Headers:       headers,
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     env.MessageID,
			CorrelationId: env.CorrelationID,
			Timestamp:     env.PublishedAt,
			Type:          eventType,
			Body:          body,
		})
	})
	if err != nil {
		log.Error("message publish failed", zap.Error(err))
		return err
	}
	inc(p.counter, CounterPublishConfirmed)
	log.Info("message published and confirmed", zap.String("event_type", eventType))
	return nil
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		if err := p.connectLocked(); err != nil {
			return err
		}
	}
	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		p.dropLocked()
		return fmt.Errorf("publish: %w", err)
	}

	timer := time.NewTimer(p.cfg.ConfirmTimeout)
	defer timer.Stop()
	select {
	case conf, ok := <-p.confirms:
		if !ok {
			p.dropLocked()
			return ErrNotConnected
		}
		if !conf.Ack {
			return ErrNacked
		}
		return nil
	case <-timer.C:
		// A late confirm would be read by the next publish; start over.
		p.dropLocked()
		return ErrConfirmTimeout
	case <-ctx.Done():
		p.dropLocked()
		return ctx.Err()
	}
}

func (p *Publisher) dropLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch, p.confirms = nil, nil, nil
}

// PublishOrderEvent publishes to the order events exchange.
func (p *Publisher) PublishOrderEvent(ctx context.Context, eventType string, payload any, correlationID string) error {
	return p.Publish(ctx, ExchangeOrders, eventType, eventType, payload, correlationID)
}

// PublishStockEvent publishes to the stock events exchange.
func (p *Publisher) PublishStockEvent(ctx context.Context, eventType string, payload any, correlationID string) error {
	return p.Publish(ctx, ExchangeStock, eventType, eventType, payload, correlationID)
}

// Healthy reports whether a confirm channel is open.
func (p *Publisher) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch != nil
}

// Close closes the channel and connection. Further publishes fail.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	p.conn, p.ch, p.confirms = nil, nil, nil
	p.logger.Info("broker publisher closed")
	return errors.Join(errs...)
}

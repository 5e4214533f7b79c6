package messaging

import (
	"context"
	"fmt"

	"orderflow/internal/orders"
)

// SagaEventHandler applies asynchronous stock and payment outcomes.
type SagaEventHandler interface {
	HandleExternalEvent(ctx context.Context, orderID, eventType string, payload orders.ExternalEventPayload, correlationID string) error
}

// RegisterSagaHandlers routes the consumed stock and payment events to h.
func RegisterSagaHandlers(c *Consumer, h SagaEventHandler) {
	for _, q := range c.cfg.Queues {
		c.Register(q.RoutingKey, sagaHandler(h, q.RoutingKey))
	}
}

func sagaHandler(h SagaEventHandler, routingKey string) Handler {
	return func(ctx context.Context, env Envelope) error {
		var payload orders.ExternalEventPayload
		if err := env.Decode(&payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.EventType, err)
		}
		eventType := env.EventType
		if eventType == "" {
			eventType = routingKey
		}
		return h.HandleExternalEvent(ctx, payload.OrderID, eventType, payload, env.CorrelationID)
	}
}

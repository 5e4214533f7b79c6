package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"orderflow/internal/orders"
)

type recordingSaga struct {
	orderID, eventType, correlationID string
	payload                           orders.ExternalEventPayload
}

func (r *recordingSaga) HandleExternalEvent(ctx context.Context, orderID, eventType string, payload orders.ExternalEventPayload, correlationID string) error {
	r.orderID, r.eventType, r.payload, r.correlationID = orderID, eventType, payload, correlationID
	return nil
}

func TestRegisterSagaHandlers(t *testing.T) {
	c := NewConsumer(nil, DefaultConsumerConfig(), nil, nil, zap.NewNop())
	saga := &recordingSaga{}
	RegisterSagaHandlers(c, saga)

	for _, q := range ConsumerQueues() {
		if c.handler("", q.RoutingKey) == nil {
			t.Fatalf("no handler registered for %s", q.RoutingKey)
		}
	}

	h := c.handler("", "payment.failed")
	env := Envelope{
		Payload:       json.RawMessage(`{"orderId":"o9","reason":"card declined"}`),
		CorrelationID: "corr-9",
	}
	if err := h(context.Background(), env); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if saga.orderID != "o9" || saga.eventType != "payment.failed" || saga.payload.Reason != "card declined" || saga.correlationID != "corr-9" {
		t.Fatalf("unexpected dispatch: %+v", saga)
	}

	if err := h(context.Background(), Envelope{Payload: json.RawMessage(`[`)}); err == nil {
		t.Fatalf("expected decode error")
	}
}

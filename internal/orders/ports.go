package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/internal/orders/saga"
)

// ListQuery selects a page of a user's orders, newest first.
type ListQuery struct {
	UserID int64
	Status Status
	Page   int
	Limit  int
}

// Store persists orders together with their saga state.
type Store interface {
	// Create writes the order, its items and saga state in one transaction.
	// A duplicate idempotency key yields ErrIdempotencyConflict.
	Create(ctx context.Context, order *Order, state *saga.State) error
	Get(ctx context.Context, orderID string) (*Order, *saga.State, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*Order, *saga.State, error)
	// Update locks the order row, runs fn against the current values and
	// writes the result back. fn may return ErrUnchanged to skip the write.
	Update(ctx context.Context, orderID string, fn func(*Order, *saga.State) error) (*Order, *saga.State, error)
	ListByUser(ctx context.Context, q ListQuery) ([]*Order, int, error)
}

// StockVerdict is the inventory's answer for one requested line.
type StockVerdict struct {
	ProductID         int64
	Available         bool
	AvailableQuantity int
	ProductName       string
	Price             *decimal.Decimal
	// FallbackPrice applies when neither the inventory nor the client
	// supplied a price.
	FallbackPrice *decimal.Decimal
}

// StockChecker verifies availability of a single product.
type StockChecker interface {
	CheckStock(ctx context.Context, productID int64, quantity int) (StockVerdict, error)
}

// EventPublisher emits saga events to the broker.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, eventType string, payload any, correlationID string) error
	PublishStockEvent(ctx context.Context, eventType string, payload any, correlationID string) error
}

// PaymentDecision is a gateway's verdict on a charge.
type PaymentDecision struct {
	Approved      bool
	TransactionID string
	Reason        string
}

// PaymentGateway authorizes a charge for an order.
type PaymentGateway interface {
	Authorize(ctx context.Context, order *Order) (PaymentDecision, error)
}

// PaymentLedger records charges and refunds exactly once per order.
type PaymentLedger interface {
	Charge(ctx context.Context, orderID string, amount decimal.Decimal) error
	Refund(ctx context.Context, orderID string, amount decimal.Decimal) error
}

// StatusNotifier is told about every committed status change.
type StatusNotifier interface {
	NotifyStatus(orderID string, status Status, at time.Time)
}

// Counter increments named process counters.
type Counter interface {
	Inc(name string)
}

// Event type names used on the wire.
const (
	EventTypeOrderCreated           = "order.created"
	EventTypeOrderConfirmed         = "order.confirmed"
	EventTypeOrderFailed            = "order.failed"
	EventTypeOrderCancelled         = "order.cancelled"
	EventTypeStockReserve           = "stock.reserve"
	EventTypeStockRelease           = "stock.release"
	EventTypeStockReserved          = "stock.reserved"
	EventTypeStockReservationFailed = "stock.reservation.failed"
	EventTypePaymentSuccess         = "payment.success"
	EventTypePaymentFailed          = "payment.failed"
)

// Counter names.
const (
	CounterSagaStarted      = "saga.started"
	CounterSagaReplayed     = "saga.replayed"
	CounterSagaConfirmed    = "saga.confirmed"
	CounterSagaCompensated  = "saga.compensated"
	CounterCompensationFail = "saga.compensation_failed"
	CounterPublishFailed    = "publish.failed"
	CounterStockRejected    = "saga.stock_rejected"
)

package orders

import (
	"context"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewInMemoryPaymentLedger constructs an in-memory payment ledger.
func NewInMemoryPaymentLedger() *InMemoryPaymentLedger {
	return &InMemoryPaymentLedger{
		charges:  make(map[string]decimal.Decimal),
		refunds:  make(map[string]decimal.Decimal),
		refunded: make(map[string]bool),
	}
}

// InMemoryPaymentLedger tracks charges and refunds in memory.
type InMemoryPaymentLedger struct {
	mu       sync.Mutex
	charges  map[string]decimal.Decimal
	refunds  map[string]decimal.Decimal
	refunded map[string]bool
}

func (l *InMemoryPaymentLedger) Charge(ctx context.Context, orderID string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.charges[orderID]; ok {
		return ErrAlreadyCharged
	}
	l.charges[orderID] = amount
	return nil
}

func (l *InMemoryPaymentLedger) Refund(ctx context.Context, orderID string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.charges[orderID]; !ok {
		return ErrNotCharged
	}
	if l.refunded[orderID] {
		return ErrAlreadyRefunded
	}
	l.refunds[orderID] = amount
	l.refunded[orderID] = true
	return nil
}

// WasCharged reports whether an order was charged (for testing/inspection).
func (l *InMemoryPaymentLedger) WasCharged(orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.charges[orderID]
	return ok
}

// WasRefunded reports whether an order was refunded (for testing/inspection).
func (l *InMemoryPaymentLedger) WasRefunded(orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refunded[orderID]
}

// ApprovingGateway approves every charge.
type ApprovingGateway struct{}

func (ApprovingGateway) Authorize(ctx context.Context, order *Order) (PaymentDecision, error) {
	return PaymentDecision{Approved: true, TransactionID: "txn-" + uuid.NewString()}, nil
}

// RandomDeclineGateway declines a configurable share of charges. It stands
// in for a real processor in demo deployments.
type RandomDeclineGateway struct {
	mu          sync.Mutex
	declineRate float64
	rnd         *rand.Rand
}

// NewRandomDeclineGateway returns a gateway declining rate (0..1) of charges.
func NewRandomDeclineGateway(rate float64, seed int64) *RandomDeclineGateway {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &RandomDeclineGateway{declineRate: rate, rnd: rand.New(rand.NewSource(seed))}
}

func (g *RandomDeclineGateway) Authorize(ctx context.Context, order *Order) (PaymentDecision, error) {
	if err := ctx.Err(); err != nil {
		return PaymentDecision{}, err
	}
	g.mu.Lock()
	roll := g.rnd.Float64()
	g.mu.Unlock()
	if roll < g.declineRate {
		return PaymentDecision{Reason: "Payment declined by processor"}, nil
	}
	return PaymentDecision{Approved: true, TransactionID: "txn-" + uuid.NewString()}, nil
}

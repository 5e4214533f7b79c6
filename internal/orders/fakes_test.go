package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderflow/internal/orders/saga"
)

type stubStock struct {
	verdicts map[int64]StockVerdict
	errs     map[int64]error
	calls    int
}

func (s *stubStock) CheckStock(ctx context.Context, productID int64, quantity int) (StockVerdict, error) {
	s.calls++
	if err := s.errs[productID]; err != nil {
		return StockVerdict{}, err
	}
	if v, ok := s.verdicts[productID]; ok {
		return v, nil
	}
	return StockVerdict{ProductID: productID, Available: true, AvailableQuantity: 100}, nil
}

type publishedEvent struct {
	exchange      string
	eventType     string
	payload       any
	correlationID string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(ctx context.Context, eventType string, payload any, correlationID string) error {
	return p.record("order.events", eventType, payload, correlationID)
}

func (p *recordingPublisher) PublishStockEvent(ctx context.Context, eventType string, payload any, correlationID string) error {
	return p.record("stock.events", eventType, payload, correlationID)
}

func (p *recordingPublisher) record(exchange, eventType string, payload any, correlationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{exchange, eventType, payload, correlationID})
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []Status
}

func (n *recordingNotifier) NotifyStatus(orderID string, status Status, at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, status)
}

type countingSink struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingSink) Inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[name]++
}

func (c *countingSink) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// failingUpdateStore fails the nth Update call.
type failingUpdateStore struct {
	*MemoryStore
	failOn int
	calls  int
}

func (s *failingUpdateStore) Update(ctx context.Context, orderID string, fn func(*Order, *saga.State) error) (*Order, *saga.State, error) {
	s.calls++
	if s.calls == s.failOn {
		return nil, nil, errors.New("connection reset")
	}
	return s.MemoryStore.Update(ctx, orderID, fn)
}

type harness struct {
	store    *MemoryStore
	stock    *stubStock
	events   *recordingPublisher
	notifier *recordingNotifier
	counter  *countingSink
	orch     *Orchestrator
	clock    time.Time
	ids      int
}

func newHarness() *harness {
	h := &harness{
		store:    NewMemoryStore(),
		stock:    &stubStock{},
		events:   &recordingPublisher{},
		notifier: &recordingNotifier{},
		counter:  &countingSink{},
		clock:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h.orch = h.build(h.store)
	return h
}

func (h *harness) build(store Store) *Orchestrator {
	return NewOrchestrator(store, h.stock, h.events, zap.NewNop(),
		WithNotifier(h.notifier),
		WithCounter(h.counter),
		WithClock(func() time.Time {
			h.clock = h.clock.Add(time.Millisecond)
			return h.clock
		}),
		WithIDGenerator(func() string {
			h.ids++
			return fmt.Sprintf("id-%03d", h.ids)
		}),
	)
}

func priced(productID int64, price string) StockVerdict {
	p := decimal.RequireFromString(price)
	return StockVerdict{ProductID: productID, Available: true, AvailableQuantity: 50, ProductName: fmt.Sprintf("Widget %d", productID), Price: &p}
}

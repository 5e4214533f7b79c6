package orders

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"orderflow/internal/orders/saga"
)

func scenarioRequest(key string) CreateRequest {
	price := decimal.RequireFromString("10.00")
	return CreateRequest{
		UserID:         7,
		Items:          []ItemRequest{{ProductID: 1, Quantity: 2, UnitPrice: &price}},
		IdempotencyKey: key,
	}
}

func TestInitiate_CreatesOrderAwaitingPayment(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	res, err := h.orch.Initiate(ctx, scenarioRequest("K1-order-key"), "corr-1")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if res.Existing {
		t.Fatalf("expected a new order")
	}
	if res.NextStep != NextStepAwaitingPayment {
		t.Fatalf("unexpected next step %q", res.NextStep)
	}
	order := res.Order
	if order.Status != StatusPaymentPending {
		t.Fatalf("expected paymentPending, got %s", order.Status)
	}
	if order.TotalAmount.StringFixed(2) != "20.00" {
		t.Fatalf("expected total 20.00, got %s", order.TotalAmount.StringFixed(2))
	}
	if got := order.Items[0].ProductName; got != "Product 1" {
		t.Fatalf("expected fallback product name, got %q", got)
	}

	wantHistory := []Status{StatusPending, StatusStockReserved, StatusPaymentPending}
	if len(order.StatusHistory) != len(wantHistory) {
		t.Fatalf("unexpected history: %+v", order.StatusHistory)
	}
	for i, s := range wantHistory {
		if order.StatusHistory[i].Status != s {
			t.Fatalf("history[%d] = %s, want %s", i, order.StatusHistory[i].Status, s)
		}
	}

	for _, step := range []saga.Step{saga.StepInit, saga.StepValidateStock, saga.StepCreateOrder, saga.StepReserveStock} {
		if !res.Saga.HasCompleted(step) {
			t.Fatalf("expected step %s completed", step)
		}
	}
	if h.events.count(EventTypeOrderCreated) != 1 {
		t.Fatalf("expected one order.created event")
	}
	created := h.events.events[0].payload.(OrderCreatedPayload)
	if created.OrderID != order.ID || h.events.events[0].correlationID != "corr-1" {
		t.Fatalf("unexpected order.created event: %+v", h.events.events[0])
	}
	if h.counter.get(CounterSagaStarted) != 1 {
		t.Fatalf("expected saga.started counter")
	}
	if len(h.notifier.statuses) != 2 {
		t.Fatalf("expected 2 status notifications, got %v", h.notifier.statuses)
	}
}

func TestInitiate_LifecycleScenario(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	first, err := h.orch.Initiate(ctx, scenarioRequest("K1-order-key"), "corr-1")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	stockCalls := h.stock.calls

	replay, err := h.orch.Initiate(ctx, scenarioRequest("K1-order-key"), "corr-2")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Existing || replay.Order.ID != first.Order.ID {
		t.Fatalf("expected idempotent replay of %s, got %+v", first.Order.ID, replay)
	}
	if h.stock.calls != stockCalls || h.events.count(EventTypeOrderCreated) != 1 {
		t.Fatalf("replay must not have side effects")
	}
	if _, total, _ := h.store.ListByUser(ctx, ListQuery{UserID: 7, Page: 1, Limit: 10}); total != 1 {
		t.Fatalf("expected exactly one persisted order, got %d", total)
	}

	orderID := first.Order.ID
	if err := h.orch.HandleExternalEvent(ctx, orderID, EventTypePaymentFailed, ExternalEventPayload{OrderID: orderID, Reason: "card declined"}, "corr-3"); err != nil {
		t.Fatalf("payment.failed: %v", err)
	}
	order, state, err := h.store.Get(ctx, orderID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if order.Status != StatusReversed {
		t.Fatalf("expected reversed, got %s", order.Status)
	}
	if state.CompensationStatus != saga.CompensationCompleted {
		t.Fatalf("expected compensation COMPLETED, got %s", state.CompensationStatus)
	}
	if order.FailureReason != "card declined" || state.FailedStep != saga.StepProcessPayment {
		t.Fatalf("unexpected failure details: %q %s", order.FailureReason, state.FailedStep)
	}
	if h.events.count(EventTypeOrderFailed) != 1 {
		t.Fatalf("expected one order.failed event")
	}
	historyLen := len(order.StatusHistory)

	if err := h.orch.HandleExternalEvent(ctx, orderID, EventTypePaymentSuccess, ExternalEventPayload{OrderID: orderID}, "corr-4"); err != nil {
		t.Fatalf("late payment.success: %v", err)
	}
	order, _, _ = h.store.Get(ctx, orderID)
	if order.Status != StatusReversed || len(order.StatusHistory) != historyLen {
		t.Fatalf("late payment.success must not resurrect the order: %s", order.Status)
	}
	if h.events.count(EventTypeOrderConfirmed) != 0 {
		t.Fatalf("expected no order.confirmed event")
	}
}

func TestCompensate_IsIdempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	res, err := h.orch.Initiate(ctx, scenarioRequest("K2-order-key"), "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	failure := Failure{Reason: "payment gateway down", Step: saga.StepProcessPayment}
	first, err := h.orch.Compensate(ctx, res.Order.ID, failure, nil)
	if err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	second, err := h.orch.Compensate(ctx, res.Order.ID, failure, nil)
	if err != nil {
		t.Fatalf("second Compensate: %v", err)
	}
	_, state, _ := h.store.Get(ctx, res.Order.ID)

	if second.Status != StatusReversed || len(second.StatusHistory) != len(first.StatusHistory) {
		t.Fatalf("second compensation changed the order: %+v", second.StatusHistory)
	}
	if state.CompensationStatus != saga.CompensationCompleted {
		t.Fatalf("unexpected compensation status %s", state.CompensationStatus)
	}
	if h.events.count(EventTypeOrderFailed) != 1 {
		t.Fatalf("expected order.failed published once, got %d", h.events.count(EventTypeOrderFailed))
	}
	if h.counter.get(CounterSagaCompensated) != 1 {
		t.Fatalf("expected one compensation counted, got %d", h.counter.get(CounterSagaCompensated))
	}
}

func TestInitiate_StockUnavailableCreatesNothing(t *testing.T) {
	h := newHarness()
	h.stock.verdicts = map[int64]StockVerdict{
		1: {ProductID: 1, Available: false, AvailableQuantity: 1},
		3: {ProductID: 3, Available: false, AvailableQuantity: 0},
	}
	h.stock.errs = map[int64]error{4: errors.New("timeout")}
	req := CreateRequest{
		UserID:         7,
		IdempotencyKey: "K3-order-key",
		Items: []ItemRequest{
			{ProductID: 1, Quantity: 2},
			{ProductID: 2, Quantity: 1},
			{ProductID: 3, Quantity: 5},
			{ProductID: 4, Quantity: 1},
		},
	}

	_, err := h.orch.Initiate(context.Background(), req, "")
	var stockErr *StockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected StockError, got %v", err)
	}
	if len(stockErr.Items) != 3 {
		t.Fatalf("expected 3 unavailable items, got %+v", stockErr.Items)
	}
	if stockErr.Items[0].Requested != 2 || stockErr.Items[0].Available != 1 {
		t.Fatalf("unexpected first item: %+v", stockErr.Items[0])
	}
	if stockErr.Items[2].Reason != "INVENTORY_SERVICE_UNAVAILABLE" {
		t.Fatalf("expected transport failure to count as unavailable: %+v", stockErr.Items[2])
	}
	if _, _, err := h.store.FindByIdempotencyKey(context.Background(), "K3-order-key"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no order persisted, got %v", err)
	}
	if len(h.events.events) != 0 {
		t.Fatalf("expected no events")
	}
}

func TestInitiate_InventoryPriceWins(t *testing.T) {
	h := newHarness()
	h.stock.verdicts = map[int64]StockVerdict{1: priced(1, "12.50")}
	res, err := h.orch.Initiate(context.Background(), scenarioRequest("K4-order-key"), "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	item := res.Order.Items[0]
	if item.ProductName != "Widget 1" || !item.UnitPrice.Equal(decimal.RequireFromString("12.50")) {
		t.Fatalf("unexpected item snapshot: %+v", item)
	}
	if res.Order.TotalAmount.StringFixed(2) != "25.00" {
		t.Fatalf("expected 25.00, got %s", res.Order.TotalAmount.StringFixed(2))
	}
}

func TestInitiate_FallbackPrice(t *testing.T) {
	h := newHarness()
	fallback := decimal.RequireFromString("99.99")
	h.stock.verdicts = map[int64]StockVerdict{1: {ProductID: 1, Available: true, FallbackPrice: &fallback}}
	req := scenarioRequest("K5-order-key")
	req.Items[0].UnitPrice = nil

	res, err := h.orch.Initiate(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if res.Order.TotalAmount.StringFixed(2) != "199.98" {
		t.Fatalf("expected 199.98, got %s", res.Order.TotalAmount.StringFixed(2))
	}
}

func TestInitiate_PublishFailureKeepsOrder(t *testing.T) {
	h := newHarness()
	h.events.err = errors.New("broker unavailable")

	res, err := h.orch.Initiate(context.Background(), scenarioRequest("K6-order-key"), "")
	if err != nil {
		t.Fatalf("publish failure must not fail initiation: %v", err)
	}
	if res.Order.Status != StatusPaymentPending {
		t.Fatalf("expected paymentPending, got %s", res.Order.Status)
	}
	if h.counter.get(CounterPublishFailed) != 1 {
		t.Fatalf("expected publish failure to be counted")
	}
}

func TestInitiate_RequiresKeyAndValidInput(t *testing.T) {
	h := newHarness()
	req := scenarioRequest("")
	var verr *ValidationError
	if _, err := h.orch.Initiate(context.Background(), req, ""); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for missing key, got %v", err)
	}
	req = scenarioRequest("K7-order-key")
	req.Items[0].Quantity = 0
	if _, err := h.orch.Initiate(context.Background(), req, ""); !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if h.stock.calls != 0 {
		t.Fatalf("validation must happen before stock checks")
	}
}

func TestInitiate_UpdateFailureAfterCommitCompensates(t *testing.T) {
	h := newHarness()
	store := &failingUpdateStore{MemoryStore: h.store, failOn: 1}
	orch := h.build(store)

	_, err := orch.Initiate(context.Background(), scenarioRequest("K8-order-key"), "")
	if err == nil {
		t.Fatalf("expected saga execution error")
	}
	order, state, ferr := h.store.FindByIdempotencyKey(context.Background(), "K8-order-key")
	if ferr != nil {
		t.Fatalf("expected committed order: %v", ferr)
	}
	if order.Status != StatusReversed || state.CompensationStatus != saga.CompensationCompleted {
		t.Fatalf("expected compensated order, got %s / %s", order.Status, state.CompensationStatus)
	}
}

func TestHandleExternalEvent_PaymentSuccessConfirms(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	res, err := h.orch.Initiate(ctx, scenarioRequest("K9-order-key"), "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	id := res.Order.ID

	if err := h.orch.HandleExternalEvent(ctx, id, EventTypePaymentSuccess, ExternalEventPayload{OrderID: id, TransactionID: "txn-1"}, "corr-9"); err != nil {
		t.Fatalf("payment.success: %v", err)
	}
	order, state, _ := h.store.Get(ctx, id)
	if order.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", order.Status)
	}
	if !state.HasCompleted(saga.StepProcessPayment) || !state.HasCompleted(saga.StepConfirmOrder) {
		t.Fatalf("expected payment and confirmation steps completed")
	}
	if state.StepDetails[saga.StepProcessPayment].Details["transactionId"] != "txn-1" {
		t.Fatalf("expected transaction id recorded: %+v", state.StepDetails[saga.StepProcessPayment])
	}
	if h.events.count(EventTypeOrderConfirmed) != 1 {
		t.Fatalf("expected order.confirmed event")
	}

	// A late stock.reserved is an idempotent upsert.
	steps := len(state.CompletedSteps)
	if err := h.orch.HandleExternalEvent(ctx, id, EventTypeStockReserved, ExternalEventPayload{OrderID: id}, ""); err != nil {
		t.Fatalf("stock.reserved: %v", err)
	}
	_, state, _ = h.store.Get(ctx, id)
	if len(state.CompletedSteps) != steps || state.CurrentStep != saga.StepConfirmOrder {
		t.Fatalf("late stock.reserved changed saga progress: %+v", state)
	}

	// Duplicate delivery does nothing.
	if err := h.orch.HandleExternalEvent(ctx, id, EventTypePaymentSuccess, ExternalEventPayload{OrderID: id}, ""); err != nil {
		t.Fatalf("duplicate payment.success: %v", err)
	}
	if h.events.count(EventTypeOrderConfirmed) != 1 {
		t.Fatalf("expected a single order.confirmed event")
	}
}

func TestHandleExternalEvent_StockReservationFailed(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	res, _ := h.orch.Initiate(ctx, scenarioRequest("K10-order-key"), "")

	if err := h.orch.HandleExternalEvent(ctx, res.Order.ID, EventTypeStockReservationFailed, ExternalEventPayload{}, ""); err != nil {
		t.Fatalf("stock.reservation.failed: %v", err)
	}
	order, state, _ := h.store.Get(ctx, res.Order.ID)
	if order.Status != StatusReversed || order.FailureReason != "Stock reservation failed" {
		t.Fatalf("unexpected order: %s %q", order.Status, order.FailureReason)
	}
	if state.FailedStep != saga.StepReserveStock {
		t.Fatalf("expected RESERVE_STOCK failed, got %s", state.FailedStep)
	}
}

func TestHandleExternalEvent_UnknownAndOrphaned(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	res, _ := h.orch.Initiate(ctx, scenarioRequest("K11-order-key"), "")
	writes := h.store.Writes()

	if err := h.orch.HandleExternalEvent(ctx, res.Order.ID, "loyalty.points", ExternalEventPayload{}, ""); err != nil {
		t.Fatalf("unknown event must not error: %v", err)
	}
	if err := h.orch.HandleExternalEvent(ctx, "missing", EventTypePaymentSuccess, ExternalEventPayload{}, ""); err != nil {
		t.Fatalf("orphaned event must not error: %v", err)
	}
	if h.store.Writes() != writes {
		t.Fatalf("expected no writes")
	}
}

func TestCompensate_FailureIsTerminal(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	store := &failingUpdateStore{MemoryStore: h.store, failOn: 4}
	orch := h.build(store)

	res, err := orch.Initiate(ctx, scenarioRequest("K12-order-key"), "")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := orch.HandleExternalEvent(ctx, res.Order.ID, EventTypePaymentFailed, ExternalEventPayload{}, ""); err == nil {
		t.Fatalf("expected compensation error")
	}
	order, state, _ := h.store.Get(ctx, res.Order.ID)
	if order.Status != StatusFailed || state.CompensationStatus != saga.CompensationFailed {
		t.Fatalf("expected failed order with FAILED compensation, got %s / %s", order.Status, state.CompensationStatus)
	}
	if h.counter.get(CounterCompensationFail) != 1 {
		t.Fatalf("expected compensation failure counted")
	}

	again, err := orch.Compensate(ctx, res.Order.ID, Failure{Reason: "retry"}, nil)
	if err != nil {
		t.Fatalf("second compensation must be a no-op: %v", err)
	}
	if again.Status != StatusFailed {
		t.Fatalf("expected order to stay failed, got %s", again.Status)
	}
}

func TestCompensate_ConfirmedOrderUsesCancel(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	res, _ := h.orch.Initiate(ctx, scenarioRequest("K13-order-key"), "")
	if _, err := h.orch.ConfirmPayment(ctx, res.Order.ID, "", "", nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	order, err := h.orch.Compensate(ctx, res.Order.ID, Failure{Reason: "stock lost"}, nil)
	if err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	if order.Status != StatusReversed {
		t.Fatalf("expected reversed, got %s", order.Status)
	}
	for i := 1; i < len(order.StatusHistory); i++ {
		prev, next := order.StatusHistory[i-1].Status, order.StatusHistory[i].Status
		legal := false
		for _, ev := range AvailableEvents(prev) {
			if to, _ := Next(prev, ev); to == next {
				legal = true
			}
		}
		if !legal {
			t.Fatalf("history step %s -> %s is not a legal transition", prev, next)
		}
	}
}

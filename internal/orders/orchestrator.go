package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"orderflow/internal/orders/saga"
	"orderflow/internal/telemetry"
)

// NextStepAwaitingPayment is returned once an order waits for payment.
const NextStepAwaitingPayment = "AWAITING_PAYMENT"

// Orchestrator drives the order-creation saga and its compensation.
type Orchestrator struct {
	store    Store
	stock    StockChecker
	events   EventPublisher
	notifier StatusNotifier
	counter  Counter
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier registers a listener for committed status changes.
func WithNotifier(n StatusNotifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithCounter registers a counter sink for saga metrics.
func WithCounter(c Counter) Option {
	return func(o *Orchestrator) { o.counter = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides id generation for orders, items and sagas.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(store Store, stock StockChecker, events EventPublisher, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		store:  store,
		stock:  stock,
		events: events,
		logger: logger,
		tracer: otel.Tracer("orderflow/orders"),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InitiateResult is the outcome of a saga initiation.
type InitiateResult struct {
	Order    *Order
	Saga     *saga.State
	Existing bool
	NextStep string
}

// Initiate verifies stock, persists the order with its items and saga
// state, publishes order.created and leaves the order awaiting payment.
// A repeated idempotency key returns the stored order untouched.
func (o *Orchestrator) Initiate(ctx context.Context, req CreateRequest, correlationID string) (res InitiateResult, err error) {
	ctx, span := o.tracer.Start(ctx, "saga.Initiate", trace.WithAttributes(
		attribute.String("correlation.id", correlationID),
		attribute.Int("order.items", len(req.Items)),
	))
	defer func() { endSpan(span, err) }()

	log := telemetry.WithTrace(ctx, o.logger).With(
		zap.String("correlation_id", correlationID),
		zap.String("saga_type", "CREATE_ORDER"),
	)

	if req.IdempotencyKey == "" {
		verr := &ValidationError{}
		verr.Add("idempotencyKey", "is required")
		return res, verr
	}
	if err := req.Validate(); err != nil {
		return res, err
	}

	if existing, state, err := o.store.FindByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		log.Info("returning existing order for idempotency key", zap.String("order_id", existing.ID))
		o.inc(CounterSagaReplayed)
		return InitiateResult{Order: existing, Saga: state, Existing: true, NextStep: nextStep(existing.Status)}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return res, fmt.Errorf("lookup idempotency key: %w", err)
	}

	log.Info("validating stock with inventory service")
	items, err := o.verifyStock(ctx, req.Items, log)
	if err != nil {
		return res, err
	}

	now := o.now()
	order := &Order{
		ID:              o.newID(),
		UserID:          req.UserID,
		Status:          StatusPending,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   SanitizePaymentMethod(req.PaymentMethod),
		IdempotencyKey:  req.IdempotencyKey,
		StatusHistory:   []HistoryEntry{{Status: StatusPending, At: now}},
		Items:           items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i := range order.Items {
		order.Items[i].ID = o.newID()
	}
	order.TotalAmount = TotalOf(order.Items)

	state := saga.New(o.newID(), order.ID, now)
	state.CompleteStep(saga.StepInit, nil, now)
	state.CompleteStep(saga.StepValidateStock, map[string]any{"items": len(items)}, now)
	state.CompleteStep(saga.StepCreateOrder, nil, now)

	if err := o.store.Create(ctx, order, state); err != nil {
		if errors.Is(err, ErrIdempotencyConflict) {
			// Lost a race against a request carrying the same key.
			if existing, st, findErr := o.store.FindByIdempotencyKey(ctx, req.IdempotencyKey); findErr == nil {
				o.inc(CounterSagaReplayed)
				return InitiateResult{Order: existing, Saga: st, Existing: true, NextStep: nextStep(existing.Status)}, nil
			}
		}
		log.Error("order transaction failed", zap.Error(err))
		return res, fmt.Errorf("persist order: %w", err)
	}
	o.inc(CounterSagaStarted)
	orderID := order.ID
	span.SetAttributes(attribute.String("order.id", orderID))
	log = log.With(zap.String("order_id", order.ID))
	log.Info("order transaction committed", zap.String("total", order.TotalAmount.StringFixed(2)))

	// Everything below runs after commit and must not be aborted by the
	// caller going away.
	ctx = context.WithoutCancel(ctx)

	order, state, err = o.update(ctx, orderID, func(ord *Order, st *saga.State) error {
		if err := ord.Apply(EventStockCheckSuccess, "", o.now()); err != nil {
			return err
		}
		st.CompleteStep(saga.StepReserveStock, nil, o.now())
		return nil
	})
	if err != nil {
		return res, o.abortAfterCommit(ctx, orderID, err, log)
	}

	o.publishOrderEvent(ctx, log, EventTypeOrderCreated, OrderCreatedPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		Items:       eventItems(order.Items, true),
	}, correlationID)

	order, state, err = o.update(ctx, orderID, func(ord *Order, st *saga.State) error {
		return ord.Apply(EventPaymentInitiated, "", o.now())
	})
	if err != nil {
		return res, o.abortAfterCommit(ctx, orderID, err, log)
	}

	log.Info("saga awaiting payment", zap.String("status", string(order.Status)))
	return InitiateResult{Order: order, Saga: state, NextStep: NextStepAwaitingPayment}, nil
}

func (o *Orchestrator) abortAfterCommit(ctx context.Context, orderID string, cause error, log *zap.Logger) error {
	log.Error("saga execution failed after commit", zap.Error(cause))
	if _, err := o.Compensate(ctx, orderID, Failure{Reason: cause.Error()}, log); err != nil {
		log.Error("compensation after commit failed", zap.Error(err))
	}
	return fmt.Errorf("saga execution: %w", cause)
}

func (o *Orchestrator) verifyStock(ctx context.Context, reqs []ItemRequest, log *zap.Logger) ([]Item, error) {
	var unavailable []UnavailableItem
	items := make([]Item, 0, len(reqs))
	for _, r := range reqs {
		verdict, err := o.stock.CheckStock(ctx, r.ProductID, r.Quantity)
		if err != nil {
			log.Warn("could not verify stock for product", zap.Int64("product_id", r.ProductID), zap.Error(err))
			unavailable = append(unavailable, UnavailableItem{
				ProductID: r.ProductID,
				Requested: r.Quantity,
				Reason:    "INVENTORY_SERVICE_UNAVAILABLE",
			})
			continue
		}
		if !verdict.Available {
			unavailable = append(unavailable, UnavailableItem{
				ProductID: r.ProductID,
				Requested: r.Quantity,
				Available: verdict.AvailableQuantity,
			})
			continue
		}

		price := decimal.Zero
		switch {
		case verdict.Price != nil && !verdict.Price.IsZero():
			price = *verdict.Price
		case r.UnitPrice != nil && !r.UnitPrice.IsZero():
			price = *r.UnitPrice
		case verdict.FallbackPrice != nil:
			price = *verdict.FallbackPrice
		}
		name := verdict.ProductName
		if name == "" {
			name = fmt.Sprintf("Product %d", r.ProductID)
		}
		items = append(items, Item{
			ProductID:   r.ProductID,
			ProductName: name,
			Quantity:    r.Quantity,
			UnitPrice:   price.Round(2),
		})
	}
	if len(unavailable) > 0 {
		o.inc(CounterStockRejected)
		log.Warn("stock validation failed", zap.Int("unavailable", len(unavailable)))
		return nil, &StockError{Items: unavailable}
	}
	return items, nil
}

// Failure describes why a saga must be compensated.
type Failure struct {
	Reason string
	// Step is the failing step. Empty means the saga's current step.
	Step saga.Step
	// Event is the preferred state-machine event into failed. It is ignored
	// when not legal from the order's current status.
	Event Event
}

// Compensate fails the order, publishes order.failed and, once done, moves
// the order to reversed. Calling it on a reversed order, or on one whose
// compensation already failed, changes nothing.
func (o *Orchestrator) Compensate(ctx context.Context, orderID string, failure Failure, log *zap.Logger) (order *Order, err error) {
	ctx, span := o.tracer.Start(ctx, "saga.Compensate", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	if log == nil {
		log = telemetry.WithTrace(ctx, o.logger)
	}
	log = log.With(zap.String("order_id", orderID))
	if failure.Reason == "" {
		failure.Reason = "saga step failed"
	}

	log.Info("starting compensation", zap.String("reason", failure.Reason))
	started := false
	order, state, err := o.update(ctx, orderID, func(ord *Order, st *saga.State) error {
		started = false
		now := o.now()
		switch {
		case ord.Status == StatusReversed, st.CompensationStatus == saga.CompensationFailed:
			return ErrUnchanged
		case ord.Status == StatusFailed, ord.Status == StatusCancelled:
			if st.CompensationStatus != saga.CompensationNone {
				return ErrUnchanged
			}
		default:
			event, err := failureEvent(ord.Status, failure.Event)
			if err != nil {
				return err
			}
			if err := ord.Apply(event, failure.Reason, now); err != nil {
				return err
			}
		}
		ord.FailureReason = failure.Reason
		step := failure.Step
		if step == "" {
			step = st.CurrentStep
		}
		st.FailStep(step, failure.Reason, now)
		st.StartCompensation(now)
		started = true
		return nil
	})
	if err != nil {
		log.Error("compensation could not start", zap.Error(err))
		return nil, fmt.Errorf("compensate %s: %w", orderID, err)
	}
	if state.CompensationStatus == saga.CompensationFailed {
		log.Warn("compensation previously failed, manual intervention required")
		return order, nil
	}

	if started && order.Status == StatusFailed {
		o.publishOrderEvent(ctx, log, EventTypeOrderFailed, OrderFailedPayload{
			OrderID:  order.ID,
			UserID:   order.UserID,
			Reason:   failure.Reason,
			FailedAt: o.now(),
			Items:    eventItems(order.Items, false),
		}, "")
	}

	return o.finishCompensation(ctx, order, log)
}

// finishCompensation moves a failed or cancelled order with compensation in
// progress to reversed. A failed write marks compensation FAILED.
func (o *Orchestrator) finishCompensation(ctx context.Context, order *Order, log *zap.Logger) (*Order, error) {
	done := false
	reversed, _, err := o.update(ctx, order.ID, func(ord *Order, st *saga.State) error {
		done = false
		if st.CompensationStatus != saga.CompensationInProgress {
			return ErrUnchanged
		}
		if err := ord.Apply(EventCompensationComplete, "", o.now()); err != nil {
			return err
		}
		st.CompleteCompensation(o.now())
		done = true
		return nil
	})
	if err != nil {
		o.markCompensationFailed(ctx, order.ID, err, log)
		return order, fmt.Errorf("complete compensation %s: %w", order.ID, err)
	}
	if done {
		o.inc(CounterSagaCompensated)
		log.Info("compensation complete")
	}
	return reversed, nil
}

func (o *Orchestrator) markCompensationFailed(ctx context.Context, orderID string, cause error, log *zap.Logger) {
	o.inc(CounterCompensationFail)
	log.Error("compensation failed, manual intervention required", zap.Error(cause))
	_, _, err := o.store.Update(ctx, orderID, func(ord *Order, st *saga.State) error {
		st.FailCompensation(cause.Error(), o.now())
		return nil
	})
	if err != nil {
		log.Error("could not record failed compensation", zap.Error(err))
	}
}

// HandleExternalEvent applies an asynchronous stock or payment outcome to
// an order. Orphaned and unknown events are logged and ignored; store
// failures are returned so the consumer can retry.
func (o *Orchestrator) HandleExternalEvent(ctx context.Context, orderID, eventType string, payload ExternalEventPayload, correlationID string) (err error) {
	ctx, span := o.tracer.Start(ctx, "saga.HandleExternalEvent", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("event.type", eventType),
	))
	defer func() { endSpan(span, err) }()

	log := telemetry.WithTrace(ctx, o.logger).With(
		zap.String("correlation_id", correlationID),
		zap.String("order_id", orderID),
		zap.String("event_type", eventType),
	)

	if _, _, err := o.store.Get(ctx, orderID); err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Error("order not found for external event")
			return nil
		}
		return fmt.Errorf("load order %s: %w", orderID, err)
	}

	log.Info("processing external event")
	switch eventType {
	case EventTypePaymentSuccess:
		_, err = o.ConfirmPayment(ctx, orderID, payload.TransactionID, correlationID, log)
	case EventTypePaymentFailed:
		reason := payload.Reason
		if reason == "" {
			reason = "Payment failed"
		}
		_, err = o.Compensate(ctx, orderID, Failure{Reason: reason, Step: saga.StepProcessPayment, Event: EventPaymentFailed}, log)
	case EventTypeStockReserved:
		_, _, err = o.update(ctx, orderID, func(ord *Order, st *saga.State) error {
			if st.HasCompleted(saga.StepReserveStock) {
				return ErrUnchanged
			}
			st.CompleteStep(saga.StepReserveStock, map[string]any{"source": EventTypeStockReserved}, o.now())
			return nil
		})
		if err == nil {
			log.Info("stock reservation confirmed")
		}
	case EventTypeStockReservationFailed:
		reason := payload.Reason
		if reason == "" {
			reason = "Stock reservation failed"
		}
		_, err = o.Compensate(ctx, orderID, Failure{Reason: reason, Step: saga.StepReserveStock, Event: EventReservationTimeout}, log)
	default:
		log.Warn("unknown external event type")
		return nil
	}
	if err != nil {
		log.Error("failed to process external event", zap.Error(err))
	}
	return err
}

// ConfirmPayment moves an order awaiting payment to paid and then
// confirmed, and publishes order.confirmed. Orders in any other status are
// left untouched, so late or duplicate confirmations cannot resurrect a
// failed or reversed order.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, orderID, transactionID, correlationID string, log *zap.Logger) (*Order, error) {
	if log == nil {
		log = telemetry.WithTrace(ctx, o.logger).With(zap.String("order_id", orderID))
	}
	confirmed := false
	order, _, err := o.update(ctx, orderID, func(ord *Order, st *saga.State) error {
		confirmed = false
		now := o.now()
		switch ord.Status {
		case StatusStockReserved:
			if err := ord.Apply(EventPaymentInitiated, "", now); err != nil {
				return err
			}
		case StatusPaymentPending:
		default:
			return ErrUnchanged
		}
		if err := ord.Apply(EventPaymentSuccess, "", now); err != nil {
			return err
		}
		var details map[string]any
		if transactionID != "" {
			details = map[string]any{"transactionId": transactionID}
		}
		st.CompleteStep(saga.StepProcessPayment, details, now)
		if err := ord.Apply(EventConfirm, "", now); err != nil {
			return err
		}
		st.CompleteStep(saga.StepConfirmOrder, nil, now)
		confirmed = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("confirm payment %s: %w", orderID, err)
	}
	if !confirmed {
		log.Info("payment confirmation ignored", zap.String("status", string(order.Status)))
		return order, nil
	}

	o.inc(CounterSagaConfirmed)
	o.publishOrderEvent(ctx, log, EventTypeOrderConfirmed, OrderConfirmedPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Status:      order.Status,
		ConfirmedAt: o.now(),
	}, correlationID)
	log.Info("order confirmed after payment success")
	return order, nil
}

// update runs a store update and notifies listeners of every status the
// order passed through.
func (o *Orchestrator) update(ctx context.Context, orderID string, fn func(*Order, *saga.State) error) (*Order, *saga.State, error) {
	seen := -1
	order, state, err := o.store.Update(ctx, orderID, func(ord *Order, st *saga.State) error {
		seen = len(ord.StatusHistory)
		return fn(ord, st)
	})
	if err != nil {
		return nil, nil, err
	}
	if o.notifier != nil && seen >= 0 && len(order.StatusHistory) > seen {
		for _, h := range order.StatusHistory[seen:] {
			o.notifier.NotifyStatus(order.ID, h.Status, h.At)
		}
	}
	return order, state, nil
}

func (o *Orchestrator) publishOrderEvent(ctx context.Context, log *zap.Logger, eventType string, payload any, correlationID string) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishOrderEvent(ctx, eventType, payload, correlationID); err != nil {
		o.inc(CounterPublishFailed)
		log.Error("event publish failed, manual reconciliation required",
			zap.String("event_type", eventType),
			zap.Any("payload", payload),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) publishStockEvent(ctx context.Context, log *zap.Logger, eventType string, payload any, correlationID string) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishStockEvent(ctx, eventType, payload, correlationID); err != nil {
		o.inc(CounterPublishFailed)
		log.Error("event publish failed, manual reconciliation required",
			zap.String("event_type", eventType),
			zap.Any("payload", payload),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) inc(name string) {
	if o.counter != nil {
		o.counter.Inc(name)
	}
}

// failureEvent picks the event that moves current into failed, falling
// back to CANCEL where no failure edge exists.
func failureEvent(current Status, preferred Event) (Event, error) {
	if preferred != "" {
		if next, err := Next(current, preferred); err == nil && next == StatusFailed {
			return preferred, nil
		}
	}
	if ev, err := EventFor(current, StatusFailed); err == nil {
		return ev, nil
	}
	if current.CanCancel() {
		return EventCancel, nil
	}
	return "", fmt.Errorf("%w: %s cannot be compensated", ErrInvalidTransition, current)
}

func nextStep(status Status) string {
	switch status {
	case StatusPending, StatusStockReserved, StatusPaymentPending:
		return NextStepAwaitingPayment
	default:
		return string(status)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

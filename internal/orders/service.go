package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"orderflow/internal/orders/saga"
	"orderflow/internal/telemetry"
)

// Role names carried by authenticated callers.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Caller identifies who issues a request.
type Caller struct {
	UserID int64
	Role   string
}

// IsAdmin reports whether the caller has the admin role.
func (c Caller) IsAdmin() bool { return strings.EqualFold(c.Role, RoleAdmin) }

func (c Caller) owns(o *Order) bool { return c.IsAdmin() || o.UserID == c.UserID }

// Page is one page of a user's orders.
type Page struct {
	Orders     []*Order
	Total      int
	Page       int
	Limit      int
	TotalPages int
}

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

// Service exposes order queries and the operations that act on an
// existing order (cancel, pay, admin transition).
type Service struct {
	store   Store
	orch    *Orchestrator
	gateway PaymentGateway
	ledger  PaymentLedger
	logger  *zap.Logger
}

// NewService constructs a Service. A nil gateway approves every payment.
func NewService(store Store, orchestrator *Orchestrator, gateway PaymentGateway, ledger PaymentLedger, logger *zap.Logger) *Service {
	if gateway == nil {
		gateway = ApprovingGateway{}
	}
	if ledger == nil {
		ledger = NewInMemoryPaymentLedger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, orch: orchestrator, gateway: gateway, ledger: ledger, logger: logger}
}

// Get returns an order with its saga state. Orders of other users are
// reported as not found unless the caller is an admin.
func (s *Service) Get(ctx context.Context, orderID string, caller Caller) (*Order, *saga.State, error) {
	order, state, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if !caller.owns(order) {
		return nil, nil, ErrNotFound
	}
	return order, state, nil
}

// ListByUser returns a page of a user's orders, newest first.
func (s *Service) ListByUser(ctx context.Context, caller Caller, q ListQuery) (Page, error) {
	if !caller.IsAdmin() && caller.UserID != q.UserID {
		return Page{}, ErrForbidden
	}
	verr := &ValidationError{}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Limit == 0 {
		q.Limit = defaultPageLimit
	}
	if q.Page < 1 {
		verr.Add("page", "must be at least 1")
	}
	if q.Limit < 1 || q.Limit > maxPageLimit {
		verr.Add("limit", fmt.Sprintf("must be between 1 and %d", maxPageLimit))
	}
	if q.Status != "" {
		if _, err := ParseStatus(string(q.Status)); err != nil {
			verr.Add("status", err.Error())
		}
	}
	if err := verr.OrNil(); err != nil {
		return Page{}, err
	}

	orders, total, err := s.store.ListByUser(ctx, q)
	if err != nil {
		return Page{}, fmt.Errorf("list orders: %w", err)
	}
	return Page{
		Orders:     orders,
		Total:      total,
		Page:       q.Page,
		Limit:      q.Limit,
		TotalPages: (total + q.Limit - 1) / q.Limit,
	}, nil
}

// AdminTransition moves an order to target through whichever event the
// state machine allows from its current status.
func (s *Service) AdminTransition(ctx context.Context, orderID string, target Status, reason string) (*Order, error) {
	if err := ValidateReason(reason); err != nil {
		return nil, err
	}
	if _, err := ParseStatus(string(target)); err != nil {
		verr := &ValidationError{}
		verr.Add("status", err.Error())
		return nil, verr
	}
	order, _, err := s.orch.update(ctx, orderID, func(ord *Order, st *saga.State) error {
		event, err := EventFor(ord.Status, target)
		if err != nil {
			return err
		}
		if err := ord.Apply(event, reason, s.orch.now()); err != nil {
			return err
		}
		switch target {
		case StatusFailed:
			ord.FailureReason = reason
		case StatusCancelled:
			ord.CancellationReason = reason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	telemetry.WithTrace(ctx, s.logger).Info("order status updated by admin",
		zap.String("order_id", orderID),
		zap.String("status", string(order.Status)),
	)
	return order, nil
}

// Cancel cancels an order that has not progressed past confirmation,
// releases reserved stock, refunds any charge and reverses the order.
func (s *Service) Cancel(ctx context.Context, orderID string, caller Caller, reason, correlationID string) (*Order, error) {
	if err := ValidateReason(reason); err != nil {
		return nil, err
	}
	if _, _, err := s.Get(ctx, orderID, caller); err != nil {
		return nil, err
	}
	log := telemetry.WithTrace(ctx, s.logger).With(
		zap.String("correlation_id", correlationID),
		zap.String("order_id", orderID),
	)

	var charged bool
	order, state, err := s.orch.update(ctx, orderID, func(ord *Order, st *saga.State) error {
		if !ord.Status.CanCancel() {
			return ErrNotCancellable
		}
		charged = st.HasCompleted(saga.StepProcessPayment)
		now := s.orch.now()
		if err := ord.Apply(EventCancel, reason, now); err != nil {
			return err
		}
		ord.CancellationReason = reason
		failure := "Order cancelled"
		if reason != "" {
			failure += ": " + reason
		}
		st.FailStep(st.CurrentStep, failure, now)
		st.StartCompensation(now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("order cancelled", zap.String("reason", reason))
	ctx = context.WithoutCancel(ctx)

	if state.HasCompleted(saga.StepReserveStock) {
		s.orch.publishStockEvent(ctx, log, EventTypeStockRelease, StockRequestPayload{
			OrderID: order.ID,
			Items:   eventItems(order.Items, false),
			Reason:  "ORDER_CANCELLED",
		}, correlationID)
	}
	if charged {
		switch err := s.ledger.Refund(ctx, order.ID, order.TotalAmount); {
		case err == nil:
			log.Info("payment refunded", zap.String("amount", order.TotalAmount.StringFixed(2)))
		case errors.Is(err, ErrNotCharged), errors.Is(err, ErrAlreadyRefunded):
			log.Info("no refund recorded", zap.Error(err))
		default:
			s.orch.markCompensationFailed(ctx, order.ID, fmt.Errorf("refund: %w", err), log)
			return order, fmt.Errorf("refund %s: %w", order.ID, err)
		}
	}
	s.orch.publishOrderEvent(ctx, log, EventTypeOrderCancelled, OrderCancelledPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Reason:      reason,
		CancelledAt: s.orch.now(),
	}, correlationID)

	return s.orch.finishCompensation(ctx, order, log)
}

// Pay charges an order awaiting payment. A declined charge compensates the
// saga and returns an error wrapping ErrPaymentDeclined.
func (s *Service) Pay(ctx context.Context, orderID string, caller Caller, correlationID string) (*Order, PaymentDecision, error) {
	order, _, err := s.Get(ctx, orderID, caller)
	if err != nil {
		return nil, PaymentDecision{}, err
	}
	if order.Status != StatusPaymentPending {
		return order, PaymentDecision{}, ErrNotAwaitingPayment
	}
	log := telemetry.WithTrace(ctx, s.logger).With(
		zap.String("correlation_id", correlationID),
		zap.String("order_id", orderID),
	)

	decision, err := s.gateway.Authorize(ctx, order)
	if err != nil {
		return order, decision, fmt.Errorf("authorize payment: %w", err)
	}
	ctx = context.WithoutCancel(ctx)

	if !decision.Approved {
		reason := decision.Reason
		if reason == "" {
			reason = "Payment declined"
		}
		log.Warn("payment declined", zap.String("reason", reason))
		failed, cerr := s.orch.Compensate(ctx, orderID, Failure{Reason: reason, Step: saga.StepProcessPayment, Event: EventPaymentFailed}, log)
		if failed == nil {
			failed = order
		}
		if cerr != nil {
			return failed, decision, errors.Join(fmt.Errorf("%w: %s", ErrPaymentDeclined, reason), cerr)
		}
		return failed, decision, fmt.Errorf("%w: %s", ErrPaymentDeclined, reason)
	}

	if err := s.ledger.Charge(ctx, orderID, order.TotalAmount); err != nil {
		if !errors.Is(err, ErrAlreadyCharged) {
			return order, decision, fmt.Errorf("record charge: %w", err)
		}
		log.Warn("order already charged, confirming")
	}
	confirmed, err := s.orch.ConfirmPayment(ctx, orderID, decision.TransactionID, correlationID, log)
	if err != nil {
		return order, decision, err
	}
	return confirmed, decision, nil
}

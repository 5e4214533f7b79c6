// Package httpapi exposes the order service over HTTP.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"orderflow/internal/observability"
	"orderflow/internal/orders"
	"orderflow/internal/orders/saga"
	"orderflow/internal/reliability"
)

// Initiator starts order sagas.
type Initiator interface {
	Initiate(ctx context.Context, req orders.CreateRequest, correlationID string) (orders.InitiateResult, error)
}

// OrderService serves the operations on existing orders.
type OrderService interface {
	Get(ctx context.Context, orderID string, caller orders.Caller) (*orders.Order, *saga.State, error)
	ListByUser(ctx context.Context, caller orders.Caller, q orders.ListQuery) (orders.Page, error)
	AdminTransition(ctx context.Context, orderID string, target orders.Status, reason string) (*orders.Order, error)
	Cancel(ctx context.Context, orderID string, caller orders.Caller, reason, correlationID string) (*orders.Order, error)
	Pay(ctx context.Context, orderID string, caller orders.Caller, correlationID string) (*orders.Order, orders.PaymentDecision, error)
}

// Guard answers idempotent replays of order creation.
type Guard interface {
	Lookup(ctx context.Context, key string) (*orders.Order, bool, error)
	Remember(ctx context.Context, key, orderID string)
}

// StatusStream upgrades a request into a live status feed for one order.
type StatusStream interface {
	Serve(w http.ResponseWriter, r *http.Request, orderID string) error
}

// HealthCheck reports a dependency's readiness.
type HealthCheck func(ctx context.Context) error

// AuthConfig configures bearer-token authentication.
type AuthConfig struct {
	Secret   []byte
	Disabled bool
}

// Deps are the collaborators of the HTTP server. Limiter, Metrics and
// Stream may be nil.
type Deps struct {
	Initiator Initiator
	Orders    OrderService
	Guard     Guard
	Stream    StatusStream
	Limiter   *reliability.RateLimiter
	Metrics   *observability.Metrics
	Health    map[string]HealthCheck
	Auth      AuthConfig
	Logger    *zap.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	initiator Initiator
	orders    OrderService
	guard     Guard
	stream    StatusStream
	limiter   *reliability.RateLimiter
	metrics   *observability.Metrics
	health    map[string]HealthCheck
	auth      AuthConfig
	logger    *zap.Logger
}

// NewServer constructs a Server.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		initiator: d.Initiator,
		orders:    d.Orders,
		guard:     d.Guard,
		stream:    d.Stream,
		limiter:   d.Limiter,
		metrics:   d.Metrics,
		health:    d.Health,
		auth:      d.Auth,
		logger:    logger,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(correlate)
	r.Use(s.recoverer)

	r.With(s.instrument).Get("/health", s.handleHealth)

	r.Route("/orders", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.instrument, s.rateLimit, limitBody, s.authenticate)

			r.Post("/", s.handleCreate)
			r.Get("/user/{userId}", s.handleListByUser)
			r.Get("/{orderId}", s.handleGet)
			r.Get("/{orderId}/events", s.handleEvents)
			r.With(s.requireAdmin).Patch("/{orderId}/status", s.handleUpdateStatus)
			r.Delete("/{orderId}", s.handleCancel)
			r.Post("/{orderId}/pay", s.handlePay)
		})
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, r, &apiError{status: http.StatusNotFound, code: CodeNotFound, message: "Route not found"})
	})
	return r
}

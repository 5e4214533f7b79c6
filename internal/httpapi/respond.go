package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"orderflow/internal/idempotency"
	"orderflow/internal/orders"
	"orderflow/internal/telemetry"
)

// Error codes returned in the "error" field.
const (
	CodeValidation            = "VALIDATION_ERROR"
	CodeMissingIdempotencyKey = "MISSING_IDEMPOTENCY_KEY"
	CodeInvalidIdempotencyKey = "INVALID_IDEMPOTENCY_KEY"
	CodeInvalidTransition     = "INVALID_TRANSITION"
	CodeNotCancellable        = "ORDER_NOT_CANCELLABLE"
	CodeNotAwaitingPayment    = "ORDER_NOT_PAYABLE"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeForbidden             = "FORBIDDEN"
	CodeNotFound              = "NOT_FOUND"
	CodeConflict              = "CONFLICT"
	CodePaymentFailed         = "PAYMENT_FAILED"
	CodeRateLimited           = "RATE_LIMITED"
	CodeInternal              = "INTERNAL_ERROR"
)

type envelope struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	Details       any    `json:"details,omitempty"`
	IsIdempotent  bool   `json:"isIdempotent,omitempty"`
	Data          any    `json:"data,omitempty"`
	CorrelationID string `json:"correlationId"`
}

// apiError is an operational error with a client-facing code.
type apiError struct {
	status  int
	code    string
	message string
	details any
}

func (e *apiError) Error() string { return e.message }

var (
	errUnauthorized = &apiError{status: http.StatusUnauthorized, code: CodeUnauthorized, message: "No authentication token provided"}
	errTokenExpired = &apiError{status: http.StatusUnauthorized, code: CodeUnauthorized, message: "Token has expired"}
	errTokenInvalid = &apiError{status: http.StatusUnauthorized, code: CodeUnauthorized, message: "Invalid authentication token"}
	errAdminOnly    = &apiError{status: http.StatusForbidden, code: CodeForbidden, message: "Insufficient permissions"}
	errOtherUser    = &apiError{status: http.StatusForbidden, code: CodeForbidden, message: "Cannot access resources of other users"}
	errRateLimited  = &apiError{status: http.StatusTooManyRequests, code: CodeRateLimited, message: "Too many requests, please retry later"}
)

func badRequest(message string) *apiError {
	return &apiError{status: http.StatusBadRequest, code: CodeValidation, message: message}
}

// classify maps an error to its HTTP status, code, message and details.
// Anything unrecognized is a programming or infrastructure error.
func classify(err error) *apiError {
	var (
		api   *apiError
		verr  *orders.ValidationError
		stock *orders.StockError
	)
	switch {
	case errors.As(err, &api):
		return api
	case errors.As(err, &verr):
		return &apiError{http.StatusBadRequest, CodeValidation, "Validation failed", verr.Fields}
	case errors.As(err, &stock):
		return &apiError{http.StatusConflict, CodeConflict, "Insufficient stock for one or more items", stock.Items}
	case errors.Is(err, idempotency.ErrMissingKey):
		return &apiError{http.StatusBadRequest, CodeMissingIdempotencyKey, "Idempotency-Key header is required for order creation", nil}
	case errors.Is(err, idempotency.ErrInvalidKey):
		return &apiError{http.StatusBadRequest, CodeInvalidIdempotencyKey, "Idempotency-Key should be a UUID or unique string (min 10 chars)", nil}
	case errors.Is(err, orders.ErrInvalidTransition):
		return &apiError{http.StatusBadRequest, CodeInvalidTransition, err.Error(), nil}
	case errors.Is(err, orders.ErrNotCancellable):
		return &apiError{http.StatusBadRequest, CodeNotCancellable, err.Error(), nil}
	case errors.Is(err, orders.ErrNotAwaitingPayment):
		return &apiError{http.StatusBadRequest, CodeNotAwaitingPayment, err.Error(), nil}
	case errors.Is(err, orders.ErrNotFound):
		return &apiError{http.StatusNotFound, CodeNotFound, "Order not found", nil}
	case errors.Is(err, orders.ErrForbidden):
		return errOtherUser
	case errors.Is(err, orders.ErrConcurrentUpdate), errors.Is(err, orders.ErrIdempotencyConflict):
		return &apiError{http.StatusConflict, CodeConflict, err.Error(), nil}
	case errors.Is(err, orders.ErrPaymentDeclined):
		return &apiError{http.StatusPaymentRequired, CodePaymentFailed, "Payment was declined", nil}
	default:
		return &apiError{http.StatusInternalServerError, CodeInternal, "An unexpected error occurred", nil}
	}
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) ok(w http.ResponseWriter, r *http.Request, status int, message string, data any) {
	writeJSON(w, status, envelope{
		Success:       true,
		Message:       message,
		Data:          data,
		CorrelationID: CorrelationID(r.Context()),
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.failWith(w, r, err, nil)
}

// failWith writes the error response, attaching data such as the order a
// declined payment left behind.
func (s *Server) failWith(w http.ResponseWriter, r *http.Request, err error, data any) {
	api := classify(err)
	log := telemetry.WithTrace(r.Context(), s.logger).With(
		zap.String("correlation_id", CorrelationID(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	)
	if api.status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	} else {
		log.Info("request rejected", zap.Int("status", api.status), zap.String("code", api.code), zap.Error(err))
	}
	writeJSON(w, api.status, envelope{
		Error:         api.code,
		Message:       api.message,
		Details:       api.details,
		Data:          data,
		CorrelationID: CorrelationID(r.Context()),
	})
}

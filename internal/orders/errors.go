package orders

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("order not found")
	ErrNotCancellable      = errors.New("order cannot be cancelled in its current status")
	ErrNotAwaitingPayment  = errors.New("order is not awaiting payment")
	ErrConcurrentUpdate    = errors.New("order was modified concurrently")
	ErrIdempotencyConflict = errors.New("idempotency key already used")
	ErrForbidden           = errors.New("access to order denied")

	// ErrUnchanged may be returned from an Update callback to skip the write.
	ErrUnchanged = errors.New("order unchanged")
)

// Payment ledger errors.
var (
	ErrAlreadyCharged  = errors.New("order already charged")
	ErrNotCharged      = errors.New("order not charged")
	ErrAlreadyRefunded = errors.New("order already refunded")
)

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every invalid field of a request.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns nil when no field was rejected.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// UnavailableItem reports a line the inventory could not satisfy.
type UnavailableItem struct {
	ProductID int64  `json:"productId"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// StockError lists every unavailable line of a rejected order.
type StockError struct {
	Items []UnavailableItem
}

func (e *StockError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		parts = append(parts, fmt.Sprintf("product %d: requested %d, available %d", it.ProductID, it.Requested, it.Available))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

// ErrPaymentDeclined is wrapped when the payment gateway rejects a charge.
var ErrPaymentDeclined = errors.New("payment declined")

package orders

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Item is one line of an order. Name and price are snapshots taken when
// the order was placed.
type Item struct {
	ID          string
	ProductID   int64
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
	LineTotal   decimal.Decimal
}

// ShippingAddress is the optional delivery destination.
type ShippingAddress struct {
	Street  string `json:"street,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	ZipCode string `json:"zipCode,omitempty"`
	Country string `json:"country,omitempty"`
}

// PaymentMethod is the sanitized descriptor kept on the order. Full card
// details are never stored.
type PaymentMethod struct {
	Method string `json:"method"`
	Last4  string `json:"last4,omitempty"`
}

// HistoryEntry records one status the order passed through.
type HistoryEntry struct {
	Status Status    `json:"status"`
	At     time.Time `json:"timestamp"`
	Reason string    `json:"reason,omitempty"`
}

// Order is the aggregate root persisted with its items and saga state.
type Order struct {
	ID                 string
	UserID             int64
	Status             Status
	TotalAmount        decimal.Decimal
	ShippingAddress    *ShippingAddress
	PaymentMethod      *PaymentMethod
	IdempotencyKey     string
	StatusHistory      []HistoryEntry
	FailureReason      string
	CancellationReason string
	Items              []Item
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Apply moves the order through the state machine and appends the new
// status to its history.
func (o *Order) Apply(event Event, reason string, now time.Time) error {
	next, err := Next(o.Status, event)
	if err != nil {
		return err
	}
	o.Status = next
	o.StatusHistory = append(o.StatusHistory, HistoryEntry{Status: next, At: now, Reason: reason})
	o.UpdatedAt = now
	return nil
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	out := *o
	if o.ShippingAddress != nil {
		addr := *o.ShippingAddress
		out.ShippingAddress = &addr
	}
	if o.PaymentMethod != nil {
		pm := *o.PaymentMethod
		out.PaymentMethod = &pm
	}
	out.StatusHistory = append([]HistoryEntry(nil), o.StatusHistory...)
	out.Items = append([]Item(nil), o.Items...)
	return &out
}

// ItemRequest is one requested line. UnitPrice is only a fallback when the
// inventory does not report a price.
type ItemRequest struct {
	ProductID int64            `json:"productId"`
	Quantity  int              `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unitPrice,omitempty"`
}

// PaymentMethodInput is the raw payment descriptor from the client.
type PaymentMethodInput struct {
	Method     string `json:"method"`
	CardNumber string `json:"cardNumber,omitempty"`
	Last4      string `json:"last4,omitempty"`
}

// CreateRequest carries everything needed to start an order saga.
type CreateRequest struct {
	UserID          int64               `json:"userId"`
	Items           []ItemRequest       `json:"items"`
	ShippingAddress *ShippingAddress    `json:"shippingAddress,omitempty"`
	PaymentMethod   *PaymentMethodInput `json:"paymentMethod,omitempty"`
	IdempotencyKey  string              `json:"-"`
}

const (
	maxItemQuantity = 100
	maxReasonLength = 500
)

var (
	zipPattern     = regexp.MustCompile(`^[A-Za-z0-9\s-]{3,10}$`)
	paymentMethods = map[string]bool{
		"credit_card":   true,
		"debit_card":    true,
		"paypal":        true,
		"bank_transfer": true,
	}
)

// Validate checks the request shape before any side effect.
func (r CreateRequest) Validate() error {
	verr := &ValidationError{}
	if r.UserID < 1 {
		verr.Add("userId", "must be a positive integer")
	}
	if len(r.Items) == 0 {
		verr.Add("items", "at least one item is required")
	}
	for i, item := range r.Items {
		field := fmt.Sprintf("items[%d]", i)
		if item.ProductID < 1 {
			verr.Add(field+".productId", "must be a positive integer")
		}
		if item.Quantity < 1 || item.Quantity > maxItemQuantity {
			verr.Add(field+".quantity", fmt.Sprintf("must be between 1 and %d", maxItemQuantity))
		}
		if item.UnitPrice != nil && item.UnitPrice.IsNegative() {
			verr.Add(field+".unitPrice", "must not be negative")
		}
	}
	if addr := r.ShippingAddress; addr != nil {
		if n := utf8.RuneCountInString(addr.City); addr.City != "" && (n < 2 || n > 100) {
			verr.Add("shippingAddress.city", "must be between 2 and 100 characters")
		}
		if utf8.RuneCountInString(addr.Street) > 200 {
			verr.Add("shippingAddress.street", "must be at most 200 characters")
		}
		if addr.ZipCode != "" && !zipPattern.MatchString(addr.ZipCode) {
			verr.Add("shippingAddress.zipCode", "invalid format")
		}
	}
	if pm := r.PaymentMethod; pm != nil && !paymentMethods[pm.Method] {
		verr.Add("paymentMethod.method", "must be one of credit_card, debit_card, paypal, bank_transfer")
	}
	return verr.OrNil()
}

// ValidateReason checks a free-text cancellation or transition reason.
func ValidateReason(reason string) error {
	if utf8.RuneCountInString(reason) > maxReasonLength {
		verr := &ValidationError{}
		verr.Add("reason", fmt.Sprintf("must be at most %d characters", maxReasonLength))
		return verr
	}
	return nil
}

// SanitizePaymentMethod keeps only the method and the last four digits.
func SanitizePaymentMethod(in *PaymentMethodInput) *PaymentMethod {
	if in == nil {
		return nil
	}
	out := &PaymentMethod{Method: in.Method}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, in.CardNumber)
	switch {
	case len(digits) >= 4:
		out.Last4 = digits[len(digits)-4:]
	case len(in.Last4) == 4:
		out.Last4 = in.Last4
	}
	return out
}

// LineTotal is quantity times unit price at currency precision.
func LineTotal(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Round(2)
}

// TotalOf recomputes each line total and returns the order total.
func TotalOf(items []Item) decimal.Decimal {
	total := decimal.Zero
	for i := range items {
		items[i].LineTotal = LineTotal(items[i].Quantity, items[i].UnitPrice)
		total = total.Add(items[i].LineTotal)
	}
	return total.Round(2)
}

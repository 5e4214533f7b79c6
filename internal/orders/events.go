package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventItem is an order line as carried in broker payloads.
type EventItem struct {
	ProductID   int64            `json:"productId"`
	ProductName string           `json:"productName,omitempty"`
	Quantity    int              `json:"quantity"`
	UnitPrice   *decimal.Decimal `json:"unitPrice,omitempty"`
}

// OrderCreatedPayload is published on order.created.
type OrderCreatedPayload struct {
	OrderID     string          `json:"orderId"`
	UserID      int64           `json:"userId"`
	Status      Status          `json:"status"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Items       []EventItem     `json:"items"`
}

// OrderConfirmedPayload is published on order.confirmed.
type OrderConfirmedPayload struct {
	OrderID     string    `json:"orderId"`
	UserID      int64     `json:"userId"`
	Status      Status    `json:"status"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// OrderFailedPayload is published on order.failed so that other services
// can undo their side of the saga.
type OrderFailedPayload struct {
	OrderID  string      `json:"orderId"`
	UserID   int64       `json:"userId"`
	Reason   string      `json:"reason"`
	FailedAt time.Time   `json:"failedAt"`
	Items    []EventItem `json:"items,omitempty"`
}

// OrderCancelledPayload is published on order.cancelled.
type OrderCancelledPayload struct {
	OrderID     string    `json:"orderId"`
	UserID      int64     `json:"userId"`
	Reason      string    `json:"reason,omitempty"`
	CancelledAt time.Time `json:"cancelledAt"`
}

// StockRequestPayload is published on stock.reserve and stock.release.
type StockRequestPayload struct {
	OrderID string      `json:"orderId"`
	Items   []EventItem `json:"items"`
	Reason  string      `json:"reason,omitempty"`
}

// ExternalEventPayload is the subset of inbound payment and stock payloads
// the saga reads.
type ExternalEventPayload struct {
	OrderID       string `json:"orderId"`
	Reason        string `json:"reason,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
}

func eventItems(items []Item, withPrice bool) []EventItem {
	out := make([]EventItem, 0, len(items))
	for _, it := range items {
		ev := EventItem{ProductID: it.ProductID, Quantity: it.Quantity}
		if withPrice {
			price := it.UnitPrice
			ev.UnitPrice = &price
			ev.ProductName = it.ProductName
		}
		out = append(out, ev)
	}
	return out
}

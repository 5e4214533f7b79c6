package inventory

import (
	"context"

	"github.com/shopspring/decimal"

	"orderflow/internal/orders"
)

const mockAvailable = 100

var mockPrice = decimal.RequireFromString("99.99")

// Mock answers every stock check without calling the inventory service.
// The client's unit price is used when supplied, otherwise 99.99.
type Mock struct{}

func (Mock) CheckStock(ctx context.Context, productID int64, quantity int) (orders.StockVerdict, error) {
	if err := ctx.Err(); err != nil {
		return orders.StockVerdict{}, err
	}
	price := mockPrice
	return orders.StockVerdict{
		ProductID:         productID,
		Available:         quantity <= mockAvailable,
		AvailableQuantity: mockAvailable,
		FallbackPrice:     &price,
	}, nil
}

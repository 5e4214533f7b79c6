package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"orderflow/internal/orders"
	"orderflow/internal/orders/saga"
)

// money renders a decimal as a JSON number with two decimals.
type money decimal.Decimal

func (m money) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(m).StringFixed(2)), nil
}

type itemView struct {
	ID          string `json:"id"`
	ProductID   int64  `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
	UnitPrice   money  `json:"unitPrice"`
	TotalPrice  money  `json:"totalPrice"`
}

type sagaView struct {
	ID                   string                  `json:"id"`
	CurrentStep          saga.Step               `json:"currentStep"`
	CompletedSteps       []saga.CompletedStep    `json:"completedSteps"`
	FailedStep           saga.Step               `json:"failedStep,omitempty"`
	CompensationRequired bool                    `json:"compensationRequired"`
	CompensationStatus   saga.CompensationStatus `json:"compensationStatus"`
}

type orderView struct {
	ID                 string                  `json:"id"`
	UserID             int64                   `json:"userId"`
	Status             orders.Status           `json:"status"`
	TotalAmount        money                   `json:"totalAmount"`
	Items              []itemView              `json:"items"`
	ShippingAddress    *orders.ShippingAddress `json:"shippingAddress,omitempty"`
	PaymentMethod      *orders.PaymentMethod   `json:"paymentMethod,omitempty"`
	StatusHistory      []orders.HistoryEntry   `json:"statusHistory"`
	FailureReason      string                  `json:"failureReason,omitempty"`
	CancellationReason string                  `json:"cancellationReason,omitempty"`
	Saga               *sagaView               `json:"saga,omitempty"`
	CreatedAt          time.Time               `json:"createdAt"`
	UpdatedAt          time.Time               `json:"updatedAt"`
}

type statusView struct {
	ID            string                `json:"id"`
	Status        orders.Status         `json:"status"`
	StatusHistory []orders.HistoryEntry `json:"statusHistory,omitempty"`
}

type pagination struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

func viewOrder(o *orders.Order, st *saga.State) orderView {
	v := orderView{
		ID:                 o.ID,
		UserID:             o.UserID,
		Status:             o.Status,
		TotalAmount:        money(o.TotalAmount),
		Items:              make([]itemView, 0, len(o.Items)),
		ShippingAddress:    o.ShippingAddress,
		PaymentMethod:      o.PaymentMethod,
		StatusHistory:      o.StatusHistory,
		FailureReason:      o.FailureReason,
		CancellationReason: o.CancellationReason,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
	for _, it := range o.Items {
		v.Items = append(v.Items, itemView{
			ID:          it.ID,
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   money(it.UnitPrice),
			TotalPrice:  money(orders.LineTotal(it.Quantity, it.UnitPrice)),
		})
	}
	if st != nil {
		v.Saga = &sagaView{
			ID:                   st.ID,
			CurrentStep:          st.CurrentStep,
			CompletedSteps:       st.CompletedSteps,
			FailedStep:           st.FailedStep,
			CompensationRequired: st.CompensationRequired,
			CompensationStatus:   st.CompensationStatus,
		}
	}
	return v
}

package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"orderflow/internal/orders"
)

// PaymentLedger records charges and refunds in Postgres.
type PaymentLedger struct {
	db *sql.DB
}

// NewPaymentLedger constructs a PaymentLedger backed by Postgres.
func NewPaymentLedger(db *sql.DB) *PaymentLedger {
	return &PaymentLedger{db: db}
}

// NewPaymentLedgerWithSchema initializes the schema then returns the ledger.
func NewPaymentLedgerWithSchema(ctx context.Context, db *sql.DB) (*PaymentLedger, error) {
	ledger := NewPaymentLedger(db)
	if err := ledger.InitSchema(ctx); err != nil {
		return nil, err
	}
	return ledger, nil
}

// InitSchema creates the payments table if it does not exist.
func (p *PaymentLedger) InitSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			order_id TEXT PRIMARY KEY,
			amount NUMERIC(12,2) NOT NULL,
			charged_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			refunded_at TIMESTAMPTZ,
			refund_amount NUMERIC(12,2)
		)
	`)
	return err
}

// Charge records a charge once per order.
func (p *PaymentLedger) Charge(ctx context.Context, orderID string, amount decimal.Decimal) error {
	if orderID == "" {
		return fmt.Errorf("order id required")
	}

	res, err := p.db.ExecContext(ctx, `INSERT INTO payments (order_id, amount) VALUES ($1, $2) ON CONFLICT (order_id) DO NOTHING`, orderID, amount)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return orders.ErrAlreadyCharged
	}

	return nil
}

// Refund records a refund against an existing charge.
func (p *PaymentLedger) Refund(ctx context.Context, orderID string, amount decimal.Decimal) error {
	if orderID == "" {
		return fmt.Errorf("order id required")
	}

	res, err := p.db.ExecContext(ctx, `UPDATE payments SET refund_amount = $2, refunded_at = NOW() WHERE order_id = $1 AND refunded_at IS NULL`, orderID, amount)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var refunded bool
	row := p.db.QueryRowContext(ctx, `SELECT refunded_at IS NOT NULL FROM payments WHERE order_id = $1`, orderID)
	switch scanErr := row.Scan(&refunded); {
	case scanErr == nil:
		if refunded {
			return orders.ErrAlreadyRefunded
		}
		return orders.ErrNotCharged
	case errors.Is(scanErr, sql.ErrNoRows):
		return orders.ErrNotCharged
	default:
		return scanErr
	}
}

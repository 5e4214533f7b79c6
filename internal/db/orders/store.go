package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"orderflow/internal/orders"
	"orderflow/internal/orders/saga"
)

const uniqueViolation = "23505"

const orderColumns = `id, user_id, status, total_amount, shipping_address, payment_method,
		idempotency_key, status_history, failure_reason, cancellation_reason, version, created_at, updated_at`

// Store persists orders, their items and saga state in Postgres.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store backed by Postgres.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	store := NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the order tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			status TEXT NOT NULL,
			total_amount NUMERIC(12,2) NOT NULL,
			shipping_address JSONB,
			payment_method JSONB,
			idempotency_key TEXT UNIQUE NOT NULL,
			status_history JSONB NOT NULL DEFAULT '[]',
			failure_reason TEXT NOT NULL DEFAULT '',
			cancellation_reason TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS orders_user_created_idx ON orders (user_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			product_id BIGINT NOT NULL,
			product_name TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			unit_price NUMERIC(12,2) NOT NULL,
			line_total NUMERIC(12,2) NOT NULL,
			FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS saga_states (
			id TEXT PRIMARY KEY,
			order_id TEXT UNIQUE NOT NULL,
			current_step TEXT NOT NULL,
			compensation_status TEXT NOT NULL,
			state JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			FOREIGN KEY (order_id) REFERENCES orders(id) ON DELETE CASCADE
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Create inserts the order, its items and saga state in one transaction.
// A duplicate idempotency key yields orders.ErrIdempotencyConflict.
func (s *Store) Create(ctx context.Context, order *orders.Order, state *saga.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	shipping, err := nullableJSON(order.ShippingAddress, order.ShippingAddress == nil)
	if err != nil {
		return err
	}
	payment, err := nullableJSON(order.PaymentMethod, order.PaymentMethod == nil)
	if err != nil {
		return err
	}
	history, err := json.Marshal(order.StatusHistory)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, status, total_amount, shipping_address, payment_method,
			idempotency_key, status_history, failure_reason, cancellation_reason, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12)`,
		order.ID, order.UserID, string(order.Status), order.TotalAmount, shipping, payment,
		order.IdempotencyKey, history, order.FailureReason, order.CancellationReason, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return orders.ErrIdempotencyConflict
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i, item := range order.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, position, product_id, product_name, quantity, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			item.ID, order.ID, i, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.LineTotal,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO saga_states (id, order_id, current_step, compensation_status, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		state.ID, order.ID, string(state.CurrentStep), string(state.CompensationStatus), data, state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert saga state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	order.Version = 1
	return nil
}

// Get loads an order with its items and saga state.
func (s *Store) Get(ctx context.Context, orderID string) (*orders.Order, *saga.State, error) {
	return s.load(ctx, s.db, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
}

// FindByIdempotencyKey loads the order created with key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*orders.Order, *saga.State, error) {
	return s.load(ctx, s.db, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key)
}

// Update locks the order row, applies fn and writes the result back. fn
// returning orders.ErrUnchanged skips the write.
func (s *Store) Update(ctx context.Context, orderID string, fn func(*orders.Order, *saga.State) error) (*orders.Order, *saga.State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, currentState, err := s.load(ctx, tx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	if err != nil {
		return nil, nil, err
	}
	order := current.Clone()
	state := currentState.Clone()
	if err := fn(order, state); err != nil {
		if errors.Is(err, orders.ErrUnchanged) {
			return current, currentState, nil
		}
		return nil, nil, err
	}
	if order.Version != current.Version {
		return nil, nil, orders.ErrConcurrentUpdate
	}

	shipping, err := nullableJSON(order.ShippingAddress, order.ShippingAddress == nil)
	if err != nil {
		return nil, nil, err
	}
	payment, err := nullableJSON(order.PaymentMethod, order.PaymentMethod == nil)
	if err != nil {
		return nil, nil, err
	}
	history, err := json.Marshal(order.StatusHistory)
	if err != nil {
		return nil, nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, shipping_address = $3, payment_method = $4, status_history = $5,
			failure_reason = $6, cancellation_reason = $7, version = version + 1, updated_at = $8
		WHERE id = $1 AND version = $9`,
		order.ID, string(order.Status), shipping, payment, history,
		order.FailureReason, order.CancellationReason, order.UpdatedAt, current.Version,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("update order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, nil, err
	}
	if affected == 0 {
		return nil, nil, orders.ErrConcurrentUpdate
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE saga_states
		SET current_step = $2, compensation_status = $3, state = $4, updated_at = $5
		WHERE order_id = $1`,
		order.ID, string(state.CurrentStep), string(state.CompensationStatus), data, state.UpdatedAt,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("update saga state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	order.Version++
	return order, state, nil
}

// ListByUser returns one page of a user's orders, newest first, and the
// total number of matching orders.
func (s *Store) ListByUser(ctx context.Context, q orders.ListQuery) ([]*orders.Order, int, error) {
	where := `WHERE user_id = $1`
	args := []any{q.UserID}
	if q.Status != "" {
		where += ` AND status = $2`
		args = append(args, string(q.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	limitArg := len(args) + 1
	pageArgs := append(args, q.Limit, (q.Page-1)*q.Limit)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM orders %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		orderColumns, where, limitArg, limitArg+1,
	), pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	out := []*orders.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	rows.Close()

	for _, order := range out {
		if order.Items, err = loadItems(ctx, s.db, order.ID); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

func (s *Store) load(ctx context.Context, q querier, query string, arg any) (*orders.Order, *saga.State, error) {
	order, err := scanOrder(q.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, orders.ErrNotFound
		}
		return nil, nil, err
	}
	if order.Items, err = loadItems(ctx, q, order.ID); err != nil {
		return nil, nil, err
	}

	var data []byte
	err = q.QueryRowContext(ctx, `SELECT state FROM saga_states WHERE order_id = $1`, order.ID).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return order, saga.New("", order.ID, order.CreatedAt), nil
	case err != nil:
		return nil, nil, fmt.Errorf("load saga state: %w", err)
	}
	state := &saga.State{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, nil, fmt.Errorf("decode saga state: %w", err)
	}
	return order, state, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*orders.Order, error) {
	var (
		order             orders.Order
		status            string
		shipping, payment []byte
		history           []byte
	)
	err := row.Scan(&order.ID, &order.UserID, &status, &order.TotalAmount, &shipping, &payment,
		&order.IdempotencyKey, &history, &order.FailureReason, &order.CancellationReason,
		&order.Version, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	order.Status = orders.Status(status)
	if len(shipping) > 0 {
		order.ShippingAddress = &orders.ShippingAddress{}
		if err := json.Unmarshal(shipping, order.ShippingAddress); err != nil {
			return nil, fmt.Errorf("decode shipping address: %w", err)
		}
	}
	if len(payment) > 0 {
		order.PaymentMethod = &orders.PaymentMethod{}
		if err := json.Unmarshal(payment, order.PaymentMethod); err != nil {
			return nil, fmt.Errorf("decode payment method: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &order.StatusHistory); err != nil {
			return nil, fmt.Errorf("decode status history: %w", err)
		}
	}
	return &order, nil
}

func loadItems(ctx context.Context, q querier, orderID string) ([]orders.Item, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, product_name, quantity, unit_price, line_total
		FROM order_items
		WHERE order_id = $1
		ORDER BY position`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	var items []orders.Item
	for rows.Next() {
		var item orders.Item
		if err := rows.Scan(&item.ID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.LineTotal); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func nullableJSON(v any, null bool) (any, error) {
	if null {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

package ordersdb

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"orderflow/internal/orders"
	"orderflow/internal/orders/saga"
)

var storeNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func orderRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "status", "total_amount", "shipping_address", "payment_method",
		"idempotency_key", "status_history", "failure_reason", "cancellation_reason", "version", "created_at", "updated_at",
	})
}

func addOrderRow(rows *sqlmock.Rows, id string, status orders.Status, version int) *sqlmock.Rows {
	history := []byte(`[{"status":"pending","timestamp":"2024-05-01T12:00:00Z"}]`)
	return rows.AddRow(id, int64(7), string(status), "20.00", []byte(`{"street":"1 Main St","city":"Springfield"}`), nil,
		"idem-"+id, history, "", "", version, storeNow, storeNow)
}

func itemRows(orderID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "product_id", "product_name", "quantity", "unit_price", "line_total"}).
		AddRow("item-"+orderID, int64(1), "Widget", 2, "10.00", "20.00")
}

func sagaRows(t *testing.T, orderID string) *sqlmock.Rows {
	t.Helper()
	state := saga.New("saga-"+orderID, orderID, storeNow)
	state.CompleteStep(saga.StepInit, nil, storeNow)
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal saga: %v", err)
	}
	return sqlmock.NewRows([]string{"state"}).AddRow(data)
}

func expectLoad(t *testing.T, mock sqlmock.Sqlmock, pattern, arg, orderID string, status orders.Status) {
	t.Helper()
	mock.ExpectQuery(pattern).WithArgs(arg).WillReturnRows(addOrderRow(orderRows(), orderID, status, 1))
	mock.ExpectQuery("FROM order_items").WithArgs(orderID).WillReturnRows(itemRows(orderID))
	mock.ExpectQuery("SELECT state FROM saga_states").WithArgs(orderID).WillReturnRows(sagaRows(t, orderID))
}

func newOrder() (*orders.Order, *saga.State) {
	order := &orders.Order{
		ID:             "o1",
		UserID:         7,
		Status:         orders.StatusPending,
		IdempotencyKey: "idem-o1",
		StatusHistory:  []orders.HistoryEntry{{Status: orders.StatusPending, At: storeNow}},
		Items: []orders.Item{
			{ID: "i1", ProductID: 1, ProductName: "Widget", Quantity: 2},
			{ID: "i2", ProductID: 2, ProductName: "Gadget", Quantity: 1},
		},
		CreatedAt: storeNow,
		UpdatedAt: storeNow,
	}
	return order, saga.New("s1", "o1", storeNow)
}

func TestStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS orders").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS orders_user_created_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_items").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_states").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store, err := NewStoreWithSchema(context.Background(), db)
	if err != nil || store == nil {
		t.Fatalf("WithSchema: %v", err)
	}
}

func TestStore_CreateIsAtomic(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_items").
		WithArgs("i1", "o1", 0, int64(1), "Widget", 2, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_items").
		WithArgs("i2", "o1", 1, int64(2), "Gadget", 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO saga_states").
		WithArgs("s1", "o1", "INIT", "NONE", sqlmock.AnyArg(), storeNow, storeNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	order, state := newOrder()
	if err := NewStore(db).Create(context.Background(), order, state); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if order.Version != 1 {
		t.Fatalf("expected version 1, got %d", order.Version)
	}
}

func TestStore_CreateRollsBackOnItemFailure(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_items").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()
	mock.ExpectClose()

	order, state := newOrder()
	if err := NewStore(db).Create(context.Background(), order, state); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStore_CreateDuplicateKey(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})
	mock.ExpectRollback()
	mock.ExpectClose()

	order, state := newOrder()
	if err := NewStore(db).Create(context.Background(), order, state); !errors.Is(err, orders.ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
}

func TestStore_Get(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	expectLoad(t, mock, "FROM orders WHERE id = \\$1", "o1", "o1", orders.StatusPaymentPending)
	mock.ExpectClose()

	order, state, err := NewStore(db).Get(context.Background(), "o1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if order.Status != orders.StatusPaymentPending || order.TotalAmount.StringFixed(2) != "20.00" {
		t.Fatalf("unexpected order: %+v", order)
	}
	if order.ShippingAddress == nil || order.ShippingAddress.City != "Springfield" || order.PaymentMethod != nil {
		t.Fatalf("unexpected descriptors: %+v %+v", order.ShippingAddress, order.PaymentMethod)
	}
	if len(order.Items) != 1 || order.Items[0].LineTotal.StringFixed(2) != "20.00" {
		t.Fatalf("unexpected items: %+v", order.Items)
	}
	if len(order.StatusHistory) != 1 || order.StatusHistory[0].Status != orders.StatusPending {
		t.Fatalf("unexpected history: %+v", order.StatusHistory)
	}
	if state.ID != "saga-o1" || !state.HasCompleted(saga.StepInit) {
		t.Fatalf("unexpected saga state: %+v", state)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("FROM orders WHERE idempotency_key = \\$1").WithArgs("nope").WillReturnRows(orderRows())
	mock.ExpectClose()

	if _, _, err := NewStore(db).FindByIdempotencyKey(context.Background(), "nope"); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStore_UpdateLocksAndWrites(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	expectLoad(t, mock, "FROM orders WHERE id = \\$1 FOR UPDATE", "o1", "o1", orders.StatusPending)
	mock.ExpectExec("UPDATE orders").
		WithArgs("o1", "stockReserved", sqlmock.AnyArg(), nil, sqlmock.AnyArg(), "", "", sqlmock.AnyArg(), 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE saga_states").
		WithArgs("o1", "RESERVE_STOCK", "NONE", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	at := storeNow.Add(time.Second)
	order, state, err := NewStore(db).Update(context.Background(), "o1", func(o *orders.Order, st *saga.State) error {
		if err := o.Apply(orders.EventStockCheckSuccess, "", at); err != nil {
			return err
		}
		st.CompleteStep(saga.StepReserveStock, nil, at)
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if order.Status != orders.StatusStockReserved || order.Version != 2 || state.CurrentStep != saga.StepReserveStock {
		t.Fatalf("unexpected result: %s v%d %s", order.Status, order.Version, state.CurrentStep)
	}
}

func TestStore_UpdateUnchangedSkipsWrite(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	expectLoad(t, mock, "FOR UPDATE", "o1", "o1", orders.StatusReversed)
	mock.ExpectRollback()
	mock.ExpectClose()

	order, _, err := NewStore(db).Update(context.Background(), "o1", func(*orders.Order, *saga.State) error {
		return orders.ErrUnchanged
	})
	if err != nil || order.Status != orders.StatusReversed {
		t.Fatalf("expected unchanged order, got %v %v", order, err)
	}
}

func TestStore_UpdateVersionMismatch(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	expectLoad(t, mock, "FOR UPDATE", "o1", "o1", orders.StatusPending)
	mock.ExpectExec("UPDATE orders").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectClose()

	_, _, err := NewStore(db).Update(context.Background(), "o1", func(o *orders.Order, _ *saga.State) error {
		return o.Apply(orders.EventCancel, "", storeNow)
	})
	if !errors.Is(err, orders.ErrConcurrentUpdate) {
		t.Fatalf("expected concurrent update, got %v", err)
	}
}

func TestStore_UpdateNotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("missing").WillReturnRows(orderRows())
	mock.ExpectRollback()
	mock.ExpectClose()

	_, _, err := NewStore(db).Update(context.Background(), "missing", func(*orders.Order, *saga.State) error { return nil })
	if !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStore_ListByUser(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM orders WHERE user_id = \\$1 AND status = \\$2").
		WithArgs(int64(7), "paymentPending").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	rows := addOrderRow(addOrderRow(orderRows(), "o3", orders.StatusPaymentPending, 1), "o2", orders.StatusPaymentPending, 1)
	mock.ExpectQuery("ORDER BY created_at DESC, id DESC LIMIT \\$3 OFFSET \\$4").
		WithArgs(int64(7), "paymentPending", 2, 0).
		WillReturnRows(rows)
	mock.ExpectQuery("FROM order_items").WithArgs("o3").WillReturnRows(itemRows("o3"))
	mock.ExpectQuery("FROM order_items").WithArgs("o2").WillReturnRows(itemRows("o2"))
	mock.ExpectClose()

	out, total, err := NewStore(db).ListByUser(context.Background(), orders.ListQuery{UserID: 7, Status: orders.StatusPaymentPending, Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if total != 3 || len(out) != 2 || out[0].ID != "o3" || len(out[1].Items) != 1 {
		t.Fatalf("unexpected page: total=%d %+v", total, out)
	}
}

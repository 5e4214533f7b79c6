package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"orderflow/cmd/server/config"
	ordersdb "orderflow/internal/db/orders"
	"orderflow/internal/orders"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// persistence is the order store and payment ledger the service runs on.
type persistence struct {
	store  orders.Store
	ledger orders.PaymentLedger
	db     *sql.DB
}

func (p persistence) ping(ctx context.Context) error {
	if p.db == nil {
		return nil
	}
	return p.db.PingContext(ctx)
}

func (p persistence) close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// buildPersistence opens Postgres and creates the schema. Without a
// database URL the in-memory store and ledger are used.
func buildPersistence(ctx context.Context, cfg config.DatabaseConfig) (persistence, error) {
	if cfg.URL == "" {
		return persistence{store: orders.NewMemoryStore(), ledger: orders.NewInMemoryPaymentLedger()}, nil
	}
	db, err := openDB("pgx", cfg.URL)
	if err != nil {
		return persistence{}, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return persistence{}, fmt.Errorf("ping database: %w", err)
	}

	store, err := ordersdb.NewStoreWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return persistence{}, err
	}
	ledger, err := ordersdb.NewPaymentLedgerWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return persistence{}, err
	}
	return persistence{store: store, ledger: ledger, db: db}, nil
}

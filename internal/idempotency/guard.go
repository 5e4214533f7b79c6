// Package idempotency de-duplicates order creation requests by their
// client-supplied Idempotency-Key.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"orderflow/internal/orders"
	"orderflow/internal/orders/saga"
)

var (
	ErrMissingKey = errors.New("idempotency key is required")
	ErrInvalidKey = errors.New("idempotency key must be a UUID or at least 10 characters")
)

const minKeyLength = 10

var uuidPattern = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ValidateKey rejects a missing key, or one that is neither a UUID nor at
// least ten characters long.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return ErrMissingKey
	case uuidPattern.MatchString(key), len(key) >= minKeyLength:
		return nil
	default:
		return ErrInvalidKey
	}
}

// OrderFinder is the part of the order store the guard reads.
type OrderFinder interface {
	Get(ctx context.Context, orderID string) (*orders.Order, *saga.State, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*orders.Order, *saga.State, error)
}

// RedisClient is the minimal client surface used by the replay cache.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Guard answers whether a key was already used. Redis maps keys to order
// ids for fast replays; the store stays authoritative.
type Guard struct {
	store     OrderFinder
	cache     RedisClient
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewGuard constructs a Guard. cache may be nil.
func NewGuard(store OrderFinder, cache RedisClient, ttl time.Duration, logger *zap.Logger) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		store:     store,
		cache:     cache,
		keyPrefix: "orderflow:idempotency:",
		ttl:       ttl,
		logger:    logger,
	}
}

// Lookup validates key and returns the order created with it, if any.
func (g *Guard) Lookup(ctx context.Context, key string) (*orders.Order, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}

	if g.cache != nil {
		orderID, err := g.cache.Get(ctx, g.keyPrefix+key).Result()
		switch {
		case err == nil:
			order, _, err := g.store.Get(ctx, orderID)
			if err == nil {
				return order, true, nil
			}
			g.logger.Warn("cached idempotency key points to missing order",
				zap.String("order_id", orderID), zap.Error(err))
		case !errors.Is(err, redis.Nil):
			g.logger.Warn("idempotency cache unavailable", zap.Error(err))
		}
	}

	order, _, err := g.store.FindByIdempotencyKey(ctx, key)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency check: %w", err)
	}
	g.Remember(ctx, key, order.ID)
	return order, true, nil
}

// Remember caches the order created for key. Failures are logged only.
func (g *Guard) Remember(ctx context.Context, key, orderID string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, g.keyPrefix+key, orderID, g.ttl).Err(); err != nil {
		g.logger.Warn("could not cache idempotency key", zap.String("order_id", orderID), zap.Error(err))
	}
}

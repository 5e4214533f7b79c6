package messaging

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers which messages were processed successfully.
type Deduper interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// RedisClient is the minimal client surface used by RedisDeduper.
type RedisClient interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisDeduper stores processed message ids in Redis with a TTL.
type RedisDeduper struct {
	client    RedisClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisDeduper constructs a Redis-backed Deduper.
func NewRedisDeduper(client RedisClient, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, keyPrefix: "orderflow:message:", ttl: ttl}
}

// Seen reports whether messageID was already processed.
func (r *RedisDeduper) Seen(ctx context.Context, messageID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.keyPrefix+messageID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed records messageID. Marking twice is harmless.
func (r *RedisDeduper) MarkProcessed(ctx context.Context, messageID string) error {
	return r.client.SetNX(ctx, r.keyPrefix+messageID, time.Now().UTC().Format(time.RFC3339Nano), r.ttl).Err()
}

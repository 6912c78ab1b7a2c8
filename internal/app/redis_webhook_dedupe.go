package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWebhookDedupe implements a distributed best-effort duplicate
// suppressor for webhook deliveries using Redis SET NX. It spans service
// instances, unlike an in-process map, but the database finalize step is
// still the idempotence authority: losing a Redis key only costs a redundant
// lookup, never a double grant.
type RedisWebhookDedupe struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisWebhookDedupe creates a dedupe cache with the given key prefix and TTL.
func NewRedisWebhookDedupe(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisWebhookDedupe {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "billing:webhook_dedupe"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	if ttl <= 0 {
		ttl = time.Hour
	}

	return &RedisWebhookDedupe{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

// MarkProcessed records the event key and reports whether this was the first
// delivery. A nil receiver or client disables suppression entirely.
func (r *RedisWebhookDedupe) MarkProcessed(ctx context.Context, key string) (bool, error) {
	if r == nil || r.client == nil {
		return true, nil
	}

	normalizedKey := strings.TrimSpace(key)
	if normalizedKey == "" {
		return true, nil
	}

	first, err := r.client.SetNX(ctx, r.fullKey(normalizedKey), 1, r.ttl).Result()
	if err != nil {
		return true, err
	}
	return first, nil
}

// Forget releases a previously claimed key so the gateway's retry of a
// failed delivery is processed instead of being suppressed as a duplicate.
func (r *RedisWebhookDedupe) Forget(ctx context.Context, key string) error {
	if r == nil || r.client == nil {
		return nil
	}

	normalizedKey := strings.TrimSpace(key)
	if normalizedKey == "" {
		return nil
	}
	return r.client.Del(ctx, r.fullKey(normalizedKey)).Err()
}

func (r *RedisWebhookDedupe) fullKey(key string) string {
	return fmt.Sprintf("%s:%s", r.prefix, key)
}

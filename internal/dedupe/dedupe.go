// Package dedupe remembers applied event ids in Redis.
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 24 * time.Hour

// Redis is a Redis backed deduplicator. Ids expire after the configured TTL.
type Redis struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

// New creates a deduplicator storing ids under keys "<prefix>:<id>".
// ttl defaults to DefaultTTL if <= 0.
func New(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{redis: client, prefix: prefix, ttl: ttl}
}

// Seen returns true if id was marked and hasn't expired yet.
func (r *Redis) Seen(ctx context.Context, id string) (bool, error) {
	n, err := r.redis.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("checking event id: %w", err)
	}
	return n > 0, nil
}

// Mark remembers id for the configured TTL.
func (r *Redis) Mark(ctx context.Context, id string) error {
	if err := r.redis.Set(ctx, r.key(id), 1, r.ttl).Err(); err != nil {
		return fmt.Errorf("marking event id: %w", err)
	}
	return nil
}

// Ping checks whether Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.redis.Ping(ctx).Err()
}

func (r *Redis) key(id string) string { return r.prefix + ":" + id }

package ingest

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedup remembers recently stored event ids in Redis.
type RedisDedup struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisDedup(client redis.Cmdable, ttl time.Duration) *RedisDedup {
	return &RedisDedup{client: client, prefix: "payments:webhook:", ttl: ttl}
}

func (d *RedisDedup) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, d.key(provider, eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDedup) Remember(ctx context.Context, provider, eventID string) error {
	return d.client.Set(ctx, d.key(provider, eventID), 1, d.ttl).Err()
}

func (d *RedisDedup) key(provider, eventID string) string {
	return d.prefix + provider + ":" + eventID
}

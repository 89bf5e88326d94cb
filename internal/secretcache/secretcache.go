// Package secretcache stores short-lived guardian key material — the
// product of an external key-ceremony decrypt — so repeated chunk
// handlers within the same job don't each have to re-derive it. Entries
// expire on their own; nothing in this package ever writes guardian
// secrets to the relational Store.
package secretcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Cache is the Secret Cache contract from spec.md §6.
type Cache interface {
	Put(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// RedisCache is the production Cache, backed by a single Redis key per
// entry with SETEX — modeled on the teacher's pattern of wrapping one
// external client behind a narrow interface (internal/s3/client.go).
type RedisCache struct {
	rdb    *redis.Client
	log    *logrus.Logger
	prefix string
}

// New wraps rdb as a Cache. All keys are namespaced under prefix so the
// same Redis instance can also back the lock manager and message bus
// without key collisions.
func New(rdb *redis.Client, log *logrus.Logger) *RedisCache {
	return &RedisCache{rdb: rdb, log: log, prefix: "secret:"}
}

func (c *RedisCache) nsKey(key string) string {
	return c.prefix + key
}

func (c *RedisCache) Put(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("secretcache: ttl must be positive")
	}
	if err := c.rdb.Set(ctx, c.nsKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("secretcache: put %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, c.nsKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("secretcache: get %s: %w", key, err)
	}
	return v, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.nsKey(key)).Err(); err != nil {
		return fmt.Errorf("secretcache: delete %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.nsKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("secretcache: exists %s: %w", key, err)
	}
	return n > 0, nil
}

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisL2 adapts a *redis.Client to the L2 interface, grounded on the
// teacher's kernel.RedisLimiterStore wiring of github.com/redis/go-redis/v9.
type RedisL2 struct {
	client *redis.Client
	prefix string
}

// NewRedisL2 builds an L2 tier against addr/password/db, prefixing every
// key so a shared Redis instance can host AEGIS alongside other tenants.
func NewRedisL2(addr, password string, db int, prefix string) *RedisL2 {
	return &RedisL2{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: prefix,
	}
}

func (r *RedisL2) key(k string) string {
	return r.prefix + ":" + k
}

func (r *RedisL2) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *RedisL2) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), data, ttl).Err()
}

func (r *RedisL2) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

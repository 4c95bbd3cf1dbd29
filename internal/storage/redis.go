// Copyright 2025 James Ross
package storage

import (
	"context"
	"time"

	"github.com/pactforge/plugin-guard/internal/config"
	"github.com/redis/go-redis/v9"
)

// RedisBackend persists audit/alert records in Redis, keyed under a
// configurable prefix so multiple cores can share a cluster without
// colliding. Prefix listing uses SCAN rather than KEYS to avoid blocking
// the server on large keyspaces.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(cfg config.Redis) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &RedisBackend{client: client, prefix: cfg.KeyPrefix}
}

func (r *RedisBackend) key(k string) string { return r.prefix + k }

func (r *RedisBackend) Put(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.key(key), value, 0).Err()
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	match := r.key(prefix) + "*"
	for {
		batch, next, err := r.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, k[len(r.prefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *RedisBackend) Health(ctx context.Context) HealthStatus {
	now := time.Now()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return HealthStatus{Status: HealthStatusUnhealthy, Message: err.Error(), CheckedAt: now}
	}
	return HealthStatus{Status: HealthStatusHealthy, CheckedAt: now}
}

func (r *RedisBackend) Close() error { return r.client.Close() }

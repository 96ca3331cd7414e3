package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"lanzo/backend/internal/domain"
)

type RedisTotalsCache struct {
	client redis.UniversalClient
}

func NewRedisTotalsCache(addr string, password string, db int) *RedisTotalsCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisTotalsCache{client: client}
}

// NewRedisTotalsCacheWithClient wraps an existing client.
func NewRedisTotalsCacheWithClient(client redis.UniversalClient) *RedisTotalsCache {
	return &RedisTotalsCache{client: client}
}

func (c *RedisTotalsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisTotalsCache) Close() error {
	return c.client.Close()
}

func (c *RedisTotalsCache) Get(ctx context.Context, key string) (*domain.Totals, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var totals domain.Totals
	if err := json.Unmarshal(val, &totals); err != nil {
		return nil, false, err
	}
	return &totals, true, nil
}

func (c *RedisTotalsCache) Set(ctx context.Context, key string, value *domain.Totals, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisTotalsCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

package tokens

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCounter keeps totals in Redis so every control-plane replica shares
// the same ledger.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter wraps an existing client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*RedisCounter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisCounter{client: client}, nil
}

func (c *RedisCounter) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return c.client.IncrBy(ctx, key, n).Result()
}

func (c *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	v, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (c *RedisCounter) Close() error { return c.client.Close() }

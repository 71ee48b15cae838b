package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores cache entries and tag indices in Redis.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an existing client. The backend owns the client and closes it on Close.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// OpenRedis connects to address and verifies the connection with a PING.
func OpenRedis(ctx context.Context, address, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.client.Del(ctx, keys...).Err()
}

func (b *RedisBackend) AddToSet(ctx context.Context, set, member string, ttl time.Duration) error {
	pipe := b.client.TxPipeline()
	pipe.SAdd(ctx, set, member)
	if ttl > 0 {
		pipe.Expire(ctx, set, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBackend) SetMembers(ctx context.Context, set string) ([]string, error) {
	return b.client.SMembers(ctx, set).Result()
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

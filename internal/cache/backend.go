package cache

import (
	"context"
	"time"
)

// Backend is a key/value store with TTLs and set membership, used to implement tag indices.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	AddToSet(ctx context.Context, set, member string, ttl time.Duration) error
	SetMembers(ctx context.Context, set string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

package query

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/cache"
	"github.com/MarcoPoloResearchLab/vault/internal/metrics"
)

// Cache lifetimes for the cached read paths.
const (
	ItemListTTL        = 300 * time.Second
	SearchTTL          = 60 * time.Second
	AccessibleSpaceTTL = 600 * time.Second
)

// Executor runs read computations through the cache and records their latency.
type Executor struct {
	cache   *cache.Manager
	monitor *metrics.Monitor
}

// NewExecutor constructs an Executor. A nil cache disables caching; a nil monitor disables timing.
func NewExecutor(cacheManager *cache.Manager, monitor *metrics.Monitor) *Executor {
	return &Executor{cache: cacheManager, monitor: monitor}
}

// Cache exposes the underlying cache manager for explicit invalidation.
func (e *Executor) Cache() *cache.Manager {
	return e.cache
}

// Invalidate drops every entry under each tag.
func (e *Executor) Invalidate(ctx context.Context, tags ...string) {
	if e == nil || e.cache == nil {
		return
	}
	e.cache.InvalidateTags(ctx, tags...)
}

// ExecuteWithCache returns the cached value under key, or runs compute, caches its result with
// ttl and tags, and returns it. Errors from compute are returned unchanged and never cached.
func ExecuteWithCache[T any](ctx context.Context, executor *Executor, key string, ttl time.Duration, tags []string, compute func(context.Context) (T, error)) (T, error) {
	if executor != nil && executor.cache != nil {
		var cached T
		if executor.cache.Get(ctx, key, &cached) {
			return cached, nil
		}
	}

	var monitor *metrics.Monitor
	if executor != nil {
		monitor = executor.monitor
	}
	value, err := metrics.Track(monitor, "query:"+operationName(key), func() (T, error) {
		return compute(ctx)
	})
	if err != nil {
		return value, err
	}

	if executor != nil && executor.cache != nil {
		executor.cache.Set(ctx, key, value, ttl, tags...)
	}
	return value, nil
}

func operationName(key string) string {
	if index := strings.Index(key, ":"); index > 0 {
		return key[:index]
	}
	return key
}

package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type cachedPage struct {
	IDs   []string `json:"ids"`
	Total int      `json:"total"`
}

func newTestManager(t *testing.T, backend Backend) *Manager {
	t.Helper()
	manager, err := NewManager(Config{Backend: backend})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	return manager
}

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	backend := NewRedisBackend(client)
	t.Cleanup(func() {
		_ = backend.Close()
	})
	return backend, server
}

func TestGenerateKeyIsOrderIndependent(t *testing.T) {
	first := GenerateKey("p", map[string]any{"a": 1, "b": 2})
	second := GenerateKey("p", map[string]any{"b": 2, "a": 1})
	if first != second {
		t.Fatalf("expected identical keys, got %q and %q", first, second)
	}
	if GenerateKey("p", map[string]any{"a": 1, "b": 3}) == first {
		t.Fatalf("expected different values to produce a different key")
	}
	if GenerateKey("q", map[string]any{"a": 1, "b": 2}) == first {
		t.Fatalf("expected different prefixes to produce a different key")
	}
}

func TestManagerRoundTripAndTagInvalidation(t *testing.T) {
	redisBackend, _ := newRedisBackend(t)
	backends := map[string]Backend{
		"memory": NewMemoryBackend(nil),
		"redis":  redisBackend,
	}

	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			manager := newTestManager(t, backend)

			manager.Set(ctx, "items:1", cachedPage{IDs: []string{"a"}, Total: 1}, time.Minute, "items", "user:1")
			manager.Set(ctx, "items:2", cachedPage{IDs: []string{"b"}, Total: 1}, time.Minute, "items")
			manager.Set(ctx, "spaces:1", cachedPage{Total: 2}, time.Minute, "spaces")

			var page cachedPage
			if !manager.Get(ctx, "items:1", &page) || page.Total != 1 || page.IDs[0] != "a" {
				t.Fatalf("expected cached page, got %+v", page)
			}

			manager.InvalidateByTag(ctx, "items")

			if manager.Get(ctx, "items:1", &page) || manager.Get(ctx, "items:2", &page) {
				t.Fatalf("expected tagged entries to be invalidated")
			}
			if !manager.Get(ctx, "spaces:1", &page) {
				t.Fatalf("expected untagged entry to survive")
			}
			members, err := backend.SetMembers(ctx, "tag:items")
			if err != nil || len(members) != 0 {
				t.Fatalf("expected tag index removed, got %v (%v)", members, err)
			}

			manager.Delete(ctx, "spaces:1")
			if manager.Get(ctx, "spaces:1", &page) {
				t.Fatalf("expected deleted entry to be gone")
			}
		})
	}
}

func TestMemoryBackendExpiresEntries(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	backend := NewMemoryBackend(func() time.Time { return now })
	manager := newTestManager(t, backend)
	ctx := context.Background()

	manager.Set(ctx, "k", 1, 10*time.Second, "t")
	var value int
	if !manager.Get(ctx, "k", &value) {
		t.Fatalf("expected hit before expiry")
	}
	now = now.Add(11 * time.Second)
	if manager.Get(ctx, "k", &value) {
		t.Fatalf("expected miss after expiry")
	}
	members, _ := backend.SetMembers(ctx, "tag:t")
	if len(members) != 0 {
		t.Fatalf("expected tag index to expire with its entries")
	}
}

func TestManagerUsesDefaultTTL(t *testing.T) {
	backend, server := newRedisBackend(t)
	manager := newTestManager(t, backend)

	manager.Set(context.Background(), "k", "v", 0)

	if ttl := server.TTL("k"); ttl != DefaultTTL {
		t.Fatalf("expected default ttl %s, got %s", DefaultTTL, ttl)
	}
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (failingBackend) Delete(context.Context, ...string) error {
	return errors.New("connection refused")
}
func (failingBackend) AddToSet(context.Context, string, string, time.Duration) error {
	return errors.New("connection refused")
}
func (failingBackend) SetMembers(context.Context, string) ([]string, error) {
	return nil, errors.New("connection refused")
}
func (failingBackend) Ping(context.Context) error { return errors.New("connection refused") }
func (failingBackend) Close() error              { return nil }

func TestManagerSwallowsBackendFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	manager, err := NewManager(Config{Backend: failingBackend{}, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	ctx := context.Background()

	manager.Set(ctx, "k", "v", time.Minute, "tag")
	var value string
	if manager.Get(ctx, "k", &value) {
		t.Fatalf("expected failing backend to behave as a miss")
	}
	manager.InvalidateByTag(ctx, "tag")
	manager.Delete(ctx, "k")

	if logs.FilterMessage("cache get failed").Len() != 1 {
		t.Fatalf("expected get failure to be logged")
	}
	if logs.FilterMessage("cache set failed").Len() != 1 {
		t.Fatalf("expected set failure to be logged")
	}
}

package cache

import (
	"context"
	"sync"
	"time"
)

type memoryValue struct {
	data      []byte
	expiresAt time.Time
}

type memorySet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// MemoryBackend is an in-process Backend for development and tests.
type MemoryBackend struct {
	mu     sync.Mutex
	values map[string]memoryValue
	sets   map[string]memorySet
	clock  func() time.Time
}

// NewMemoryBackend constructs an empty in-memory backend. A nil clock uses time.Now.
func NewMemoryBackend(clock func() time.Time) *MemoryBackend {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryBackend{
		values: make(map[string]memoryValue),
		sets:   make(map[string]memorySet),
		clock:  clock,
	}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.values[key]
	if !ok {
		return nil, false, nil
	}
	if !value.expiresAt.IsZero() && !b.clock().Before(value.expiresAt) {
		delete(b.values, key)
		return nil, false, nil
	}
	return append([]byte(nil), value.data...), true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = memoryValue{data: append([]byte(nil), value...), expiresAt: b.expiry(ttl)}
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		delete(b.values, key)
		delete(b.sets, key)
	}
	return nil
}

func (b *MemoryBackend) AddToSet(_ context.Context, set, member string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.sets[set]
	if !ok || b.expired(existing.expiresAt) {
		existing = memorySet{members: make(map[string]struct{})}
	}
	existing.members[member] = struct{}{}
	existing.expiresAt = b.expiry(ttl)
	b.sets[set] = existing
	return nil
}

func (b *MemoryBackend) SetMembers(_ context.Context, set string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.sets[set]
	if !ok {
		return nil, nil
	}
	if b.expired(existing.expiresAt) {
		delete(b.sets, set)
		return nil, nil
	}
	members := make([]string, 0, len(existing.members))
	for member := range existing.members {
		members = append(members, member)
	}
	return members, nil
}

func (b *MemoryBackend) Ping(context.Context) error {
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func (b *MemoryBackend) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return b.clock().Add(ttl)
}

func (b *MemoryBackend) expired(expiresAt time.Time) bool {
	return !expiresAt.IsZero() && !b.clock().Before(expiresAt)
}

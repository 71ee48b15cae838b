package cache

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTTL applies when Set is called with a non-positive ttl.
	DefaultTTL   = 300 * time.Second
	tagKeyPrefix = "tag:"
)

var errMissingBackend = errors.New("cache backend is required")

// Config wires a Manager.
type Config struct {
	Backend    Backend
	DefaultTTL time.Duration
	Logger     *zap.Logger
}

// Manager is a best-effort cache: backend failures are logged and treated as a miss or a no-op.
type Manager struct {
	backend    Backend
	defaultTTL time.Duration
	logger     *zap.Logger
}

// NewManager constructs a Manager over the configured backend.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{backend: cfg.Backend, defaultTTL: ttl, logger: logger}, nil
}

// Get decodes the cached value for key into dest and reports whether it was found.
func (m *Manager) Get(ctx context.Context, key string, dest any) bool {
	data, ok, err := m.backend.Get(ctx, key)
	if err != nil {
		m.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		m.logger.Warn("cache entry decode failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Set stores value under key and registers key in each tag index.
func (m *Manager) Set(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn("cache entry encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := m.backend.Set(ctx, key, data, ttl); err != nil {
		m.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return
	}
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if err := m.backend.AddToSet(ctx, tagKeyPrefix+tag, key, ttl); err != nil {
			m.logger.Warn("cache tag index failed", zap.String("key", key), zap.String("tag", tag), zap.Error(err))
		}
	}
}

// Delete removes key.
func (m *Manager) Delete(ctx context.Context, key string) {
	if err := m.backend.Delete(ctx, key); err != nil {
		m.logger.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidateByTag removes every key registered under tag together with the tag index.
func (m *Manager) InvalidateByTag(ctx context.Context, tag string) {
	tagKey := tagKeyPrefix + tag
	members, err := m.backend.SetMembers(ctx, tagKey)
	if err != nil {
		m.logger.Warn("cache tag lookup failed", zap.String("tag", tag), zap.Error(err))
		return
	}
	keys := append(members, tagKey)
	if err := m.backend.Delete(ctx, keys...); err != nil {
		m.logger.Warn("cache tag invalidation failed", zap.String("tag", tag), zap.Error(err))
		return
	}
	m.logger.Debug("cache tag invalidated", zap.String("tag", tag), zap.Int("keys", len(members)))
}

// InvalidateTags invalidates each tag in turn.
func (m *Manager) InvalidateTags(ctx context.Context, tags ...string) {
	for _, tag := range tags {
		m.InvalidateByTag(ctx, tag)
	}
}

// Ping checks backend reachability.
func (m *Manager) Ping(ctx context.Context) error {
	return m.backend.Ping(ctx)
}

// Close releases the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}

// GenerateKey derives a cache key from prefix and params. Parameter keys are sorted so the result
// does not depend on map or argument order.
func GenerateKey(prefix string, params map[string]any) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var buffer bytes.Buffer
	buffer.WriteByte('{')
	for index, name := range names {
		if index > 0 {
			buffer.WriteByte(',')
		}
		encodedName, _ := json.Marshal(name)
		buffer.Write(encodedName)
		buffer.WriteByte(':')
		encodedValue, err := json.Marshal(params[name])
		if err != nil {
			encodedValue = []byte("null")
		}
		buffer.Write(encodedValue)
	}
	buffer.WriteByte('}')

	return prefix + ":" + base64.StdEncoding.EncodeToString(buffer.Bytes())
}

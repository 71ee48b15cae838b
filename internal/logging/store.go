package logging

import (
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

const defaultStoreCapacity = 1000

// Entry is a captured log line.
type Entry struct {
	Level   zapcore.Level  `json:"level"`
	Message string         `json:"message"`
	Time    time.Time      `json:"timestamp"`
	Fields  map[string]any `json:"context,omitempty"`
}

// Store is a fixed capacity ring buffer of recent log entries.
type Store struct {
	mu       sync.Mutex
	entries  []Entry
	next     int
	full     bool
	capacity int
}

// NewStore constructs a ring buffer holding at most capacity entries.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = defaultStoreCapacity
	}
	return &Store{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

func (s *Store) append(entry Entry) {
	s.mu.Lock()
	s.entries[s.next] = entry
	s.next = (s.next + 1) % s.capacity
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()
}

// Entries returns up to limit of the most recent entries at or above minLevel, oldest first.
// A non-positive limit returns every matching entry.
func (s *Store) Entries(minLevel zapcore.Level, limit int) []Entry {
	s.mu.Lock()
	ordered := make([]Entry, 0, s.capacity)
	if s.full {
		ordered = append(ordered, s.entries[s.next:]...)
	}
	ordered = append(ordered, s.entries[:s.next]...)
	s.mu.Unlock()

	filtered := make([]Entry, 0, len(ordered))
	for _, entry := range ordered {
		if entry.Level >= minLevel {
			filtered = append(filtered, entry)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

// Len reports how many entries are currently buffered.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return s.capacity
	}
	return s.next
}

// Core returns a zapcore.Core that writes into the store.
func (s *Store) Core(enabler zapcore.LevelEnabler) zapcore.Core {
	return &storeCore{LevelEnabler: enabler, store: s}
}

type storeCore struct {
	zapcore.LevelEnabler
	store  *Store
	fields []zapcore.Field
}

func (c *storeCore) With(fields []zapcore.Field) zapcore.Core {
	combined := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	combined = append(combined, c.fields...)
	combined = append(combined, fields...)
	return &storeCore{LevelEnabler: c.LevelEnabler, store: c.store, fields: combined}
}

func (c *storeCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *storeCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	encoder := zapcore.NewMapObjectEncoder()
	for _, field := range c.fields {
		field.AddTo(encoder)
	}
	for _, field := range fields {
		field.AddTo(encoder)
	}
	c.store.append(Entry{
		Level:   entry.Level,
		Message: entry.Message,
		Time:    entry.Time.UTC(),
		Fields:  encoder.Fields,
	})
	return nil
}

func (c *storeCore) Sync() error {
	return nil
}

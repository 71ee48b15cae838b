package ratelimit

import (
	"context"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Result describes the limiter decision for one request.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// RetryAfter returns the whole seconds until the window resets, at least one.
func (r Result) RetryAfter(now time.Time) int {
	seconds := int(math.Ceil(r.Reset.Sub(now).Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// Limiter counts requests per identifier in fixed windows.
type Limiter interface {
	Limit(ctx context.Context, identifier string) (Result, error)
}

type windowCounter struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is a fixed-window limiter held in process memory.
type MemoryLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	counters  map[string]*windowCounter
	clock     func() time.Time
	lastSweep time.Time
}

// NewMemoryLimiter allows limit requests per identifier per window.
func NewMemoryLimiter(limit int, window time.Duration, clock func() time.Time) *MemoryLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLimiter{
		limit:    limit,
		window:   window,
		counters: make(map[string]*windowCounter),
		clock:    clock,
	}
}

func (l *MemoryLimiter) Limit(_ context.Context, identifier string) (Result, error) {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	counter, ok := l.counters[identifier]
	if !ok || !now.Before(counter.resetAt) {
		counter = &windowCounter{resetAt: now.Add(l.window)}
		l.counters[identifier] = counter
	}
	counter.count++

	remaining := l.limit - counter.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   counter.count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     counter.resetAt,
	}, nil
}

func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for identifier, counter := range l.counters {
		if !now.Before(counter.resetAt) {
			delete(l.counters, identifier)
		}
	}
}

// ClientIP returns the caller address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "127.0.0.1"
}

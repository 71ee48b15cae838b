package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultSampleSize = 100

// Stats summarises the retained samples of one operation in milliseconds.
type Stats struct {
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Monitor aggregates operation timings in memory and exports them as a Prometheus histogram.
type Monitor struct {
	mu         sync.Mutex
	samples    map[string][]time.Duration
	sampleSize int
	clock      func() time.Time

	registry  *prometheus.Registry
	durations *prometheus.HistogramVec
}

// NewMonitor constructs a Monitor retaining the last sampleSize observations per operation.
func NewMonitor(sampleSize int) *Monitor {
	if sampleSize <= 0 {
		sampleSize = defaultSampleSize
	}
	registry := prometheus.NewRegistry()
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vault",
		Name:      "operation_duration_seconds",
		Help:      "Duration of instrumented operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
	registry.MustRegister(
		durations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Monitor{
		samples:    make(map[string][]time.Duration),
		sampleSize: sampleSize,
		clock:      time.Now,
		registry:   registry,
		durations:  durations,
	}
}

// Observe records one duration for operation.
func (m *Monitor) Observe(operation string, duration time.Duration) {
	if m == nil || operation == "" {
		return
	}
	m.durations.WithLabelValues(operation).Observe(duration.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	samples := append(m.samples[operation], duration)
	if len(samples) > m.sampleSize {
		samples = samples[len(samples)-m.sampleSize:]
	}
	m.samples[operation] = samples
}

// StartTimer begins timing operation; the returned func records and returns the elapsed time.
func (m *Monitor) StartTimer(operation string) func() time.Duration {
	if m == nil {
		started := time.Now()
		return func() time.Duration { return time.Since(started) }
	}
	started := m.clock()
	return func() time.Duration {
		elapsed := m.clock().Sub(started)
		m.Observe(operation, elapsed)
		return elapsed
	}
}

// Snapshot returns the statistics for operation and whether any samples exist.
func (m *Monitor) Snapshot(operation string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	samples, ok := m.samples[operation]
	if !ok || len(samples) == 0 {
		return Stats{}, false
	}
	return summarise(samples), true
}

// All returns statistics for every observed operation.
func (m *Monitor) All() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]Stats, len(m.samples))
	for operation, samples := range m.samples {
		if len(samples) == 0 {
			continue
		}
		result[operation] = summarise(samples)
	}
	return result
}

// Operations lists observed operation names in sorted order.
func (m *Monitor) Operations() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.samples))
	for operation := range m.samples {
		names = append(names, operation)
	}
	m.mu.Unlock()
	sort.Strings(names)
	return names
}

// Handler exposes the Prometheus registry.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func summarise(samples []time.Duration) Stats {
	stats := Stats{Count: len(samples)}
	var total float64
	for index, sample := range samples {
		ms := float64(sample) / float64(time.Millisecond)
		total += ms
		if index == 0 || ms < stats.Min {
			stats.Min = ms
		}
		if ms > stats.Max {
			stats.Max = ms
		}
	}
	stats.Avg = total / float64(len(samples))
	return stats
}

// Track times fn under operation and returns its result unchanged.
func Track[T any](m *Monitor, operation string, fn func() (T, error)) (T, error) {
	stop := m.StartTimer(operation)
	defer stop()
	return fn()
}

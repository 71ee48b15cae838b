package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMonitorKeepsBoundedSamples(t *testing.T) {
	monitor := NewMonitor(3)
	for _, ms := range []int{10, 20, 30, 40} {
		monitor.Observe("query:items", time.Duration(ms)*time.Millisecond)
	}

	stats, ok := monitor.Snapshot("query:items")
	if !ok {
		t.Fatalf("expected samples for operation")
	}
	if stats.Count != 3 {
		t.Fatalf("expected 3 retained samples, got %d", stats.Count)
	}
	if stats.Min != 20 || stats.Max != 40 || stats.Avg != 30 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if _, ok := monitor.Snapshot("unknown"); ok {
		t.Fatalf("expected no samples for unknown operation")
	}
}

func TestTrackPropagatesErrorsAndRecordsTiming(t *testing.T) {
	monitor := NewMonitor(0)
	sentinel := errors.New("query failed")

	_, err := Track(monitor, "query:search", func() (int, error) {
		return 0, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	value, err := Track(monitor, "query:search", func() (int, error) {
		return 7, nil
	})
	if err != nil || value != 7 {
		t.Fatalf("unexpected result: %d, %v", value, err)
	}
	stats := monitor.All()["query:search"]
	if stats.Count != 2 {
		t.Fatalf("expected two samples, got %d", stats.Count)
	}
}

func TestHandlerExposesHistogram(t *testing.T) {
	monitor := NewMonitor(0)
	monitor.Observe("cache:get", 5*time.Millisecond)

	recorder := httptest.NewRecorder()
	monitor.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `vault_operation_duration_seconds_count{operation="cache:get"} 1`) {
		t.Fatalf("expected histogram sample in exposition output")
	}
}

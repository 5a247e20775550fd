package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/securelink/internal/channel"
	"github.com/vietddude/securelink/internal/infra/rpc/provider"
	"github.com/vietddude/securelink/internal/infra/storage/memory"
	"github.com/vietddude/securelink/internal/resilience"
)

// =============================================================================
// Mocks
// =============================================================================

type stubChannels struct {
	states []channel.State
}

func (s *stubChannels) Connections() []channel.ConnectionInfo {
	out := make([]channel.ConnectionInfo, len(s.states))
	for i, st := range s.states {
		out[i] = channel.ConnectionInfo{ID: uint32(i + 1), State: st}
	}
	return out
}

type stubTransport struct {
	status provider.Status
}

func (s *stubTransport) Stats() provider.MonitorStats {
	return provider.MonitorStats{Status: s.status, AverageLatency: 20 * time.Millisecond}
}

type stubRetry struct {
	global    bool
	exhausted int
	retrying  int
}

func (s *stubRetry) IsGloballyExhausted() bool { return s.global }
func (s *stubRetry) Operations() []resilience.OperationInfo {
	var out []resilience.OperationInfo
	for range s.exhausted {
		out = append(out, resilience.OperationInfo{Exhausted: true})
	}
	for range s.retrying {
		out = append(out, resilience.OperationInfo{})
	}
	return out
}

type stubQueue struct{ n int }

func (s *stubQueue) Len() int { return s.n }

type unhealthyStore struct {
	*memory.MemoryStorage
}

func (unhealthyStore) Health(context.Context) error { return errors.New("disk gone") }

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_Status(t *testing.T) {
	tests := []struct {
		name      string
		states    []channel.State
		transport provider.Status
		retry     stubRetry
		queue     int
		want      SystemStatus
	}{
		{
			name:   "healthy",
			states: []channel.State{channel.StateHealthy, channel.StateEstablished},
			want:   StatusHealthy,
		},
		{
			name:   "degraded channel",
			states: []channel.State{channel.StateHealthy, channel.StateDegraded},
			want:   StatusDegraded,
		},
		{
			name:   "failed channel",
			states: []channel.State{channel.StateRestoring, channel.StateFailed},
			want:   StatusCritical,
		},
		{
			name:      "throttled transport",
			states:    []channel.State{channel.StateHealthy},
			transport: provider.StatusThrottled,
			want:      StatusDegraded,
		},
		{
			name:  "some exhausted",
			retry: stubRetry{exhausted: 1, retrying: 1},
			want:  StatusDegraded,
		},
		{
			name:  "globally exhausted",
			retry: stubRetry{global: true, exhausted: 2},
			want:  StatusCritical,
		},
		{
			name:  "deep queue",
			queue: 100,
			want:  StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retry := tt.retry
			monitor := NewMonitor(
				Config{QueueDegraded: 100},
				&stubChannels{states: tt.states},
				&stubTransport{status: tt.transport},
				&retry,
				&stubQueue{n: tt.queue},
				memory.NewMemoryStorage(),
			)

			report := monitor.CheckHealth(context.Background())
			if report.SystemStatus != tt.want {
				t.Errorf("SystemStatus = %s, want %s", report.SystemStatus, tt.want)
			}
			if len(report.Connections) != len(tt.states) {
				t.Errorf("Connections = %d, want %d", len(report.Connections), len(tt.states))
			}
		})
	}
}

func TestMonitor_RetryCounts(t *testing.T) {
	monitor := NewMonitor(Config{}, nil, nil, &stubRetry{exhausted: 2, retrying: 3}, nil, nil)

	report := monitor.CheckHealth(context.Background())
	if report.Retry.Tracked != 5 || report.Retry.Exhausted != 2 {
		t.Errorf("Retry = %+v, want 5 tracked, 2 exhausted", report.Retry)
	}
	if report.Transport != nil {
		t.Error("Transport reported without a source")
	}
}

func TestMonitor_StorageFailure(t *testing.T) {
	monitor := NewMonitor(Config{}, nil, nil, nil, nil, unhealthyStore{memory.NewMemoryStorage()})

	report := monitor.CheckHealth(context.Background())
	if report.SystemStatus != StatusCritical || report.Storage != "disk gone" {
		t.Errorf("report = %+v, want critical storage failure", report)
	}
}

func TestMonitor_Cache(t *testing.T) {
	channels := &stubChannels{states: []channel.State{channel.StateHealthy}}
	monitor := NewMonitor(Config{CacheFor: time.Hour}, channels, nil, nil, nil, nil)

	first := monitor.CheckHealth(context.Background())
	channels.states = []channel.State{channel.StateFailed}
	second := monitor.CheckHealth(context.Background())

	if first.SystemStatus != second.SystemStatus {
		t.Errorf("cached report changed from %s to %s", first.SystemStatus, second.SystemStatus)
	}
}

func TestServer_Endpoints(t *testing.T) {
	channels := &stubChannels{states: []channel.State{channel.StateFailed}}
	srv := NewServer(NewMonitor(Config{}, channels, nil, nil, nil, nil), 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/health code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["status"] != "critical" {
		t.Errorf("/health body = %v, %v", body, err)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	var report HealthReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode detailed report: %v", err)
	}
	if report.Connections["1"].State != "failed" {
		t.Errorf("detailed connections = %+v", report.Connections)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics code = %d", rec.Code)
	}
}

package health

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/vietddude/securelink/internal/channel"
	"github.com/vietddude/securelink/internal/infra/rpc/provider"
	"github.com/vietddude/securelink/internal/infra/storage"
	"github.com/vietddude/securelink/internal/resilience"
)

// ChannelSource lists live secure channels.
type ChannelSource interface {
	Connections() []channel.ConnectionInfo
}

// TransportSource reports transport statistics.
type TransportSource interface {
	Stats() provider.MonitorStats
}

// RetrySource exposes the resilience engine tracking table.
type RetrySource interface {
	IsGloballyExhausted() bool
	Operations() []resilience.OperationInfo
}

// QueueSource reports the number of deferred operations.
type QueueSource interface {
	Len() int
}

// Config tunes report caching and thresholds.
type Config struct {
	CacheFor      time.Duration
	QueueDegraded int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{CacheFor: 10 * time.Second, QueueDegraded: 100}
}

// Monitor aggregates health status from various system components.
// Nil sources are left out of the report.
type Monitor struct {
	cfg       Config
	channels  ChannelSource
	transport TransportSource
	retry     RetrySource
	queue     QueueSource
	store     storage.Store
	lastCheck time.Time
	last      *HealthReport
	mu        sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(
	cfg Config,
	channels ChannelSource,
	transport TransportSource,
	retry RetrySource,
	queue QueueSource,
	store storage.Store,
) *Monitor {
	return &Monitor{
		cfg:       cfg,
		channels:  channels,
		transport: transport,
		retry:     retry,
		queue:     queue,
		store:     store,
	}
}

// CheckHealth builds a report, reusing the previous one within CacheFor.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.last != nil && time.Since(m.lastCheck) < m.cfg.CacheFor {
		return *m.last
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Connections:  make(map[string]ConnectionHealth),
		Storage:      "ok",
	}

	if m.channels != nil {
		for _, c := range m.channels.Connections() {
			h := ConnectionHealth{
				ConnectionID: c.ID,
				State:        string(c.State),
				Status:       connectionStatus(c.State),
				LastError:    c.LastError,
			}
			report.Connections[strconv.FormatUint(uint64(c.ID), 10)] = h
			report.SystemStatus = worst(report.SystemStatus, h.Status)
		}
	}

	if m.transport != nil {
		stats := m.transport.Stats()
		th := &TransportHealth{
			Status:           StatusHealthy,
			State:            stats.Status.String(),
			ErrorRate:        stats.ErrorRate,
			AverageLatencyMs: stats.AverageLatency.Milliseconds(),
		}
		if stats.Status != provider.StatusHealthy {
			th.Status = StatusDegraded
		}
		report.Transport = th
		report.SystemStatus = worst(report.SystemStatus, th.Status)
	}

	if m.retry != nil {
		ops := m.retry.Operations()
		report.Retry.Tracked = len(ops)
		for _, op := range ops {
			if op.Exhausted {
				report.Retry.Exhausted++
			}
		}
		switch {
		case m.retry.IsGloballyExhausted():
			report.Retry.Status = StatusCritical
		case report.Retry.Exhausted > 0:
			report.Retry.Status = StatusDegraded
		default:
			report.Retry.Status = StatusHealthy
		}
		report.SystemStatus = worst(report.SystemStatus, report.Retry.Status)
	}

	if m.queue != nil {
		report.QueueDepth = m.queue.Len()
		if m.cfg.QueueDegraded > 0 && report.QueueDepth >= m.cfg.QueueDegraded {
			report.SystemStatus = worst(report.SystemStatus, StatusDegraded)
		}
	}

	if hc, ok := m.store.(storage.HealthChecker); ok {
		if err := hc.Health(ctx); err != nil {
			report.Storage = err.Error()
			report.SystemStatus = StatusCritical
		}
	}

	m.lastCheck = time.Now()
	m.last = &report
	return report
}

func connectionStatus(s channel.State) SystemStatus {
	switch s {
	case channel.StateEstablished, channel.StateHealthy:
		return StatusHealthy
	case channel.StateFailed:
		return StatusCritical
	default:
		return StatusDegraded
	}
}

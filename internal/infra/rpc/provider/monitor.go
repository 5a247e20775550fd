package provider

import (
	"sync"
	"time"
)

// Status represents the health state of the transport.
type Status int

const (
	StatusHealthy   Status = iota // Transport is working normally
	StatusDegraded                // Transport is slow or failing often
	StatusThrottled               // Remote side asked us to back off
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

// MonitorStats holds monitoring statistics for the transport.
type MonitorStats struct {
	Status         Status        `json:"status"`
	AverageLatency time.Duration `json:"average_latency"`
	ErrorRate      float64       `json:"error_rate"`
	Requests       int           `json:"requests"`
	Failures       int           `json:"failures"`
	ThrottleCount  int           `json:"throttle_count"`
	LastSuccessAt  time.Time     `json:"last_success_at"`
	LastFailureAt  time.Time     `json:"last_failure_at"`
}

// Monitor tracks transport latency, failures and throttling.
type Monitor struct {
	mu sync.RWMutex

	// Response time tracking
	recentLatencies  []time.Duration
	maxLatencyWindow int

	// Outcome window, true = success
	outcomes     []bool
	outcomeLimit int

	lastSuccessAt time.Time
	lastFailureAt time.Time

	throttleCount    int
	lastThrottleTime time.Time
	retryAfter       time.Duration

	// Thresholds
	slowResponseThreshold time.Duration
	degradedThreshold     float64
}

// NewMonitor creates a new monitor with default settings.
func NewMonitor() *Monitor {
	return &Monitor{
		recentLatencies:       make([]time.Duration, 0, 100),
		maxLatencyWindow:      100,
		outcomes:              make([]bool, 0, 100),
		outcomeLimit:          100,
		slowResponseThreshold: 3 * time.Second,
		degradedThreshold:     0.3, // 30% error rate
	}
}

// RecordSuccess records a successful call with its latency.
func (m *Monitor) RecordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recentLatencies = append(m.recentLatencies, latency)
	if len(m.recentLatencies) > m.maxLatencyWindow {
		m.recentLatencies = m.recentLatencies[1:]
	}
	m.pushOutcome(true)
	m.lastSuccessAt = time.Now()
}

// RecordFailure records a failed call.
func (m *Monitor) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pushOutcome(false)
	m.lastFailureAt = time.Now()
}

// RecordThrottle records a back-off request from the remote side.
func (m *Monitor) RecordThrottle(retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	m.throttleCount++
	m.lastThrottleTime = time.Now()
	m.retryAfter = retryAfter
}

func (m *Monitor) pushOutcome(ok bool) {
	m.outcomes = append(m.outcomes, ok)
	if len(m.outcomes) > m.outcomeLimit {
		m.outcomes = m.outcomes[1:]
	}
}

// CheckStatus returns the current status of the transport.
func (m *Monitor) CheckStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() Status {
	if m.retryAfter > 0 && time.Since(m.lastThrottleTime) < m.retryAfter {
		return StatusThrottled
	}

	if len(m.recentLatencies) > 10 && m.averageLatencyLocked() > m.slowResponseThreshold {
		return StatusDegraded
	}

	if len(m.outcomes) >= 5 && m.errorRateLocked() > m.degradedThreshold {
		return StatusDegraded
	}

	return StatusHealthy
}

// RetryAfter returns remaining time before the remote side accepts calls again.
func (m *Monitor) RetryAfter() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.retryAfter > 0 {
		remaining := m.retryAfter - time.Since(m.lastThrottleTime)
		if remaining > 0 {
			return remaining
		}
	}
	return 0
}

func (m *Monitor) averageLatencyLocked() time.Duration {
	if len(m.recentLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range m.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(m.recentLatencies))
}

func (m *Monitor) errorRateLocked() float64 {
	if len(m.outcomes) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range m.outcomes {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(m.outcomes))
}

// Stats returns current monitoring statistics.
func (m *Monitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	failures := 0
	for _, ok := range m.outcomes {
		if !ok {
			failures++
		}
	}

	return MonitorStats{
		Status:         m.statusLocked(),
		AverageLatency: m.averageLatencyLocked(),
		ErrorRate:      m.errorRateLocked(),
		Requests:       len(m.outcomes),
		Failures:       failures,
		ThrottleCount:  m.throttleCount,
		LastSuccessAt:  m.lastSuccessAt,
		LastFailureAt:  m.lastFailureAt,
	}
}

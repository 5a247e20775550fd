// Package health provides system health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

func (s SystemStatus) rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// worst returns the more severe of a and b.
func worst(a, b SystemStatus) SystemStatus {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ConnectionHealth contains health data for one secure channel.
type ConnectionHealth struct {
	ConnectionID uint32       `json:"connection_id"`
	State        string       `json:"state"`
	Status       SystemStatus `json:"status"`
	LastError    string       `json:"last_error,omitempty"`
}

// TransportHealth summarizes the RPC transport monitor.
type TransportHealth struct {
	Status           SystemStatus `json:"status"`
	State            string       `json:"state"`
	ErrorRate        float64      `json:"error_rate"`
	AverageLatencyMs int64        `json:"average_latency_ms"`
}

// RetryHealth summarizes the resilience engine tracking table.
type RetryHealth struct {
	Status    SystemStatus `json:"status"`
	Tracked   int          `json:"tracked"`
	Exhausted int          `json:"exhausted"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus                `json:"system_status"`
	Connections  map[string]ConnectionHealth `json:"connections"`
	Transport    *TransportHealth            `json:"transport,omitempty"`
	Retry        RetryHealth                 `json:"retry"`
	QueueDepth   int                         `json:"queue_depth"`
	Storage      string                      `json:"storage"`
}

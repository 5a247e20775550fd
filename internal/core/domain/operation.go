package domain

import (
	"context"
	"time"
)

// Priority orders queued operations, higher first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Executor runs a deferred operation once.
type Executor func(ctx context.Context) error

// QueuedOperation is a deferred network operation waiting for connectivity.
type QueuedOperation struct {
	ID            string
	ConnectionID  uint32
	Kind          string
	Priority      Priority
	EnqueuedAt    time.Time
	LastAttemptAt time.Time
	AttemptCount  int
	MaxAttempts   int
	Persistent    bool
	ExpiresAfter  time.Duration
	Executor      Executor
	Metadata      map[string]string
}

// IsExpired reports whether the operation outlived its expiry window.
func (o *QueuedOperation) IsExpired(now time.Time) bool {
	return o.ExpiresAfter > 0 && now.Sub(o.EnqueuedAt) > o.ExpiresAfter
}

// HasAttemptsRemaining reports whether another attempt is allowed.
func (o *QueuedOperation) HasAttemptsRemaining() bool {
	return o.AttemptCount < o.MaxAttempts
}

// NextAttemptAt returns the earliest time the operation may run again,
// 2^attempts seconds after its last attempt.
func (o *QueuedOperation) NextAttemptAt() time.Time {
	if o.LastAttemptAt.IsZero() {
		return o.EnqueuedAt
	}
	shift := min(o.AttemptCount, 16)
	return o.LastAttemptAt.Add(time.Duration(1<<shift) * time.Second)
}

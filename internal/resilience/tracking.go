package resilience

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/securelink/internal/infra/signal"
	"github.com/vietddude/securelink/internal/metrics"
)

// trackedOperation is one retried operation in the tracking table.
type trackedOperation struct {
	id           string
	name         string
	connectionID uint32
	startedAt    time.Time
	maxRetries   int
	retryCount   int
	exhausted    bool
	continuation func(ctx context.Context) error
}

// OperationInfo is a read-only view of a tracked operation.
type OperationInfo struct {
	ID           string
	Name         string
	ConnectionID uint32
	StartedAt    time.Time
	MaxRetries   int
	RetryCount   int
	Exhausted    bool
}

func (op *trackedOperation) info() OperationInfo {
	return OperationInfo{
		ID:           op.id,
		Name:         op.name,
		ConnectionID: op.connectionID,
		StartedAt:    op.startedAt,
		MaxRetries:   op.maxRetries,
		RetryCount:   op.retryCount,
		Exhausted:    op.exhausted,
	}
}

func (e *Engine) track(opts Options, continuation func(ctx context.Context) error) *trackedOperation {
	op := &trackedOperation{
		id:           uuid.NewString(),
		name:         opts.Name,
		connectionID: opts.ConnectionID,
		startedAt:    time.Now(),
		maxRetries:   opts.MaxRetries,
		continuation: continuation,
	}

	e.mu.Lock()
	e.ops[op.id] = op
	e.updateGaugesLocked()
	e.mu.Unlock()

	e.log.Debug("Tracking retried operation", "operation", op.name, "connection", op.connectionID)
	return op
}

func (e *Engine) setRetryCount(op *trackedOperation, n int) {
	e.mu.Lock()
	op.retryCount = n
	e.mu.Unlock()
}

func (e *Engine) untrack(op *trackedOperation) {
	e.mu.Lock()
	delete(e.ops, op.id)
	e.updateGaugesLocked()
	e.mu.Unlock()
}

// exhaust marks op exhausted and raises Disconnected when it is the first
// exhausted operation and RetriesExhausted when every tracked operation is
// exhausted, in that order.
func (e *Engine) exhaust(op *trackedOperation, reason string) {
	e.mu.Lock()
	e.ops[op.id] = op
	first := e.exhaustedCountLocked() == 0
	op.exhausted = true
	all := e.globallyExhaustedLocked()
	e.updateGaugesLocked()
	e.mu.Unlock()

	e.log.Warn("Operation exhausted retries",
		"operation", op.name,
		"connection", op.connectionID,
		"retries", op.maxRetries,
		"all_exhausted", all,
	)

	if first {
		e.publish(signal.Disconnected, op.connectionID, signal.SourceResilience, reason)
	}
	if all {
		e.publish(signal.RetriesExhausted, op.connectionID, signal.SourceResilience, reason)
	}
}

// handOff removes an operation that ran out of retries and now belongs to
// the caller. Disconnected is raised when no other operation was exhausted;
// RetriesExhausted only when the operations left behind are all exhausted.
func (e *Engine) handOff(op *trackedOperation, reason string) {
	e.mu.Lock()
	first := e.exhaustedCountLocked() == 0
	delete(e.ops, op.id)
	all := e.globallyExhaustedLocked()
	e.updateGaugesLocked()
	e.mu.Unlock()

	e.log.Warn("Operation exhausted retries, handed off",
		"operation", op.name,
		"connection", op.connectionID,
		"retries", op.maxRetries,
		"all_exhausted", all,
	)

	if first {
		e.publish(signal.Disconnected, op.connectionID, signal.SourceResilience, reason)
	}
	if all {
		e.publish(signal.RetriesExhausted, op.connectionID, signal.SourceResilience, reason)
	}
}

// IsGloballyExhausted reports whether every tracked operation is exhausted.
// An empty table is never exhausted.
func (e *Engine) IsGloballyExhausted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.globallyExhaustedLocked()
}

// HasExhaustedOperations reports whether any tracked operation is exhausted.
func (e *Engine) HasExhaustedOperations() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exhaustedCountLocked() > 0
}

// ClearExhaustedOperations drops every exhausted operation from the table.
func (e *Engine) ClearExhaustedOperations() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for id, op := range e.ops {
		if op.exhausted {
			delete(e.ops, id)
			n++
		}
	}
	e.updateGaugesLocked()
	return n
}

// MarkConnectionHealthy clears the exhausted flag on every operation tracked
// for connectionID.
func (e *Engine) MarkConnectionHealthy(connectionID uint32) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, op := range e.ops {
		if op.connectionID == connectionID && op.exhausted {
			op.exhausted = false
			n++
		}
	}
	e.updateGaugesLocked()
	return n
}

// Operations returns the tracking table ordered by start time.
func (e *Engine) Operations() []OperationInfo {
	e.mu.Lock()
	out := make([]OperationInfo, 0, len(e.ops))
	for _, op := range e.ops {
		out = append(out, op.info())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// sweep removes operations started more than AbandonAfter before now.
func (e *Engine) sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for id, op := range e.ops {
		if now.Sub(op.startedAt) > e.cfg.AbandonAfter {
			delete(e.ops, id)
			n++
		}
	}
	if n > 0 {
		e.updateGaugesLocked()
	}
	return n
}

func (e *Engine) exhaustedCountLocked() int {
	n := 0
	for _, op := range e.ops {
		if op.exhausted {
			n++
		}
	}
	return n
}

func (e *Engine) globallyExhaustedLocked() bool {
	return len(e.ops) > 0 && e.exhaustedCountLocked() == len(e.ops)
}

func (e *Engine) updateGaugesLocked() {
	exhausted := e.exhaustedCountLocked()
	metrics.TrackedOperations.WithLabelValues("exhausted").Set(float64(exhausted))
	metrics.TrackedOperations.WithLabelValues("retrying").Set(float64(len(e.ops) - exhausted))
}

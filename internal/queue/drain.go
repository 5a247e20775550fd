package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vietddude/securelink/internal/core/domain"
	"github.com/vietddude/securelink/internal/infra/signal"
	"github.com/vietddude/securelink/internal/metrics"
)

// ErrNotRunning is returned by Stop on a queue that was never started.
var ErrNotRunning = errors.New("queue not running")

// Start runs the drain loop until Stop or ctx ends.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	if q.bus != nil {
		q.unsub = q.bus.Subscribe(signal.ConnectivityRestored, func(signal.Signal) {
			select {
			case q.kick <- struct{}{}:
			default:
			}
		})
	}

	q.wg.Add(1)
	go q.loop(ctx)

	q.log.Info("Operation queue started",
		"capacity", q.cfg.Capacity,
		"concurrency", q.cfg.Concurrency,
		"interval", q.cfg.DrainInterval,
	)
}

// Stop ends the drain loop and waits for running executors until ctx ends.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return ErrNotRunning
	}
	q.running = false
	cancel := q.cancel
	q.mu.Unlock()

	if q.unsub != nil {
		q.unsub()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info("Operation queue stopped", "pending", q.Len())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tick(ctx, false)
		case <-q.kick:
			q.log.Debug("Connectivity restored, draining now")
			q.tick(ctx, true)
		}
	}
}

func (q *Queue) tick(ctx context.Context, force bool) {
	q.purge(ctx, q.now())

	if !force && q.conn != nil && q.conn.Degraded() {
		q.log.Debug("Connectivity degraded, drain paused", "pending", q.Len())
		return
	}
	q.dispatch(ctx, q.now(), nil)
}

// DrainNow purges and runs every ready operation, ignoring a degraded
// connectivity state, and waits for the executions it started. It returns
// the number of operations executed.
func (q *Queue) DrainNow(ctx context.Context) int {
	q.purge(ctx, q.now())

	var wg sync.WaitGroup
	n := q.dispatch(ctx, q.now(), &wg)
	wg.Wait()
	return n
}

// Purge outcomes reported in metrics.
const (
	purgeExpired = "expired"
	purgeStale   = "stale"
	purgeSpent   = "spent"
)

type purged struct {
	op     *domain.QueuedOperation
	reason string
}

// purge drops expired, stale and spent operations and empty sub-queues.
func (q *Queue) purge(ctx context.Context, now time.Time) int {
	q.mu.Lock()
	var dropped []purged
	for id, ops := range q.queues {
		kept := ops[:0:0]
		for _, op := range ops {
			if q.inFlight[op.ID] {
				kept = append(kept, op)
				continue
			}
			if reason := q.purgeReason(op, now); reason != "" {
				dropped = append(dropped, purged{op: op, reason: reason})
				continue
			}
			kept = append(kept, op)
		}
		if len(kept) == 0 {
			delete(q.queues, id)
		} else {
			q.queues[id] = kept
		}
	}
	q.size -= len(dropped)
	metrics.QueueDepth.Set(float64(q.size))
	q.mu.Unlock()

	for _, d := range dropped {
		metrics.QueueExecutionsTotal.WithLabelValues(d.reason).Inc()
		q.forget(ctx, d.op)
	}
	if len(dropped) > 0 {
		q.log.Info("Purged queued operations", "count", len(dropped))
	}
	return len(dropped)
}

// purgeReason returns why op should be dropped, or "" to keep it.
func (q *Queue) purgeReason(op *domain.QueuedOperation, now time.Time) string {
	switch {
	case op.IsExpired(now):
		return purgeExpired
	case !op.HasAttemptsRemaining():
		return purgeSpent
	case q.isStale(op, now):
		return purgeStale
	default:
		return ""
	}
}

func (q *Queue) isStale(op *domain.QueuedOperation, now time.Time) bool {
	last := op.LastAttemptAt
	if last.IsZero() {
		last = op.EnqueuedAt
	}
	return now.Sub(last) > q.cfg.StaleAfter
}

// readyLocked lists operations eligible to run now, best first.
func (q *Queue) readyLocked(now time.Time) []*domain.QueuedOperation {
	var ready []*domain.QueuedOperation
	for _, ops := range q.queues {
		for _, op := range ops {
			if q.inFlight[op.ID] || op.IsExpired(now) || !op.HasAttemptsRemaining() {
				continue
			}
			if now.Before(op.NextAttemptAt()) {
				continue
			}
			ready = append(ready, op)
		}
	}
	sortReady(ready)
	return ready
}

// dispatch starts as many ready operations as the semaphore allows.
func (q *Queue) dispatch(ctx context.Context, now time.Time, wg *sync.WaitGroup) int {
	q.mu.Lock()
	var picked []*domain.QueuedOperation
	for _, op := range q.readyLocked(now) {
		if !q.sem.TryAcquire(1) {
			break
		}
		q.inFlight[op.ID] = true
		picked = append(picked, op)
	}
	q.mu.Unlock()

	for _, op := range picked {
		q.wg.Add(1)
		if wg != nil {
			wg.Add(1)
		}
		go func(op *domain.QueuedOperation) {
			defer q.wg.Done()
			if wg != nil {
				defer wg.Done()
			}
			defer q.sem.Release(1)
			q.execute(ctx, op)
		}(op)
	}
	return len(picked)
}

func (q *Queue) execute(ctx context.Context, op *domain.QueuedOperation) {
	err := op.Executor(ctx)

	q.mu.Lock()
	delete(q.inFlight, op.ID)
	var result string
	switch {
	case err == nil:
		q.removeLocked(op.ConnectionID, op.ID)
		result = "success"
	default:
		op.AttemptCount++
		op.LastAttemptAt = q.now()
		if op.HasAttemptsRemaining() {
			result = "retry"
		} else {
			q.removeLocked(op.ConnectionID, op.ID)
			result = "dropped"
		}
	}
	snapshot := *op
	q.mu.Unlock()

	metrics.QueueExecutionsTotal.WithLabelValues(result).Inc()

	switch result {
	case "success":
		q.log.Debug("Queued operation succeeded", "id", op.ID, "kind", op.Kind)
		q.forget(ctx, &snapshot)
	case "retry":
		q.log.Warn("Queued operation failed",
			"id", op.ID,
			"kind", op.Kind,
			"attempt", snapshot.AttemptCount,
			"error", err,
		)
		if snapshot.Persistent {
			if jerr := q.journal(ctx, &snapshot); jerr != nil {
				q.log.Error("Failed to journal queued operation", "id", op.ID, "error", jerr)
			}
		}
	case "dropped":
		q.log.Error("Queued operation dropped after max attempts",
			"id", op.ID,
			"kind", op.Kind,
			"attempts", snapshot.AttemptCount,
			"error", err,
		)
		q.forget(ctx, &snapshot)
	}
}

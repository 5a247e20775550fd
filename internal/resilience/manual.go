package resilience

import (
	"context"
	"sync"

	"github.com/vietddude/securelink/internal/infra/signal"
)

func (e *Engine) onManualRetryRequested(s signal.Signal) {
	e.goBackground(func(ctx context.Context) {
		e.ManualRetry(ctx)
	})
}

// ManualRetry resets every exhausted operation and re-invokes each one once.
// Operations that were still retrying are left alone. It reports whether any
// re-invoked operation succeeded.
func (e *Engine) ManualRetry(ctx context.Context) bool {
	e.mu.Lock()
	var targets []*trackedOperation
	for _, op := range e.ops {
		if op.exhausted {
			op.exhausted = false
			op.retryCount = 0
			targets = append(targets, op)
		}
	}
	e.updateGaugesLocked()
	e.mu.Unlock()

	if len(targets) == 0 {
		return false
	}
	e.log.Info("Manual retry started", "operations", len(targets))

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []*trackedOperation
	)
	for _, op := range targets {
		wg.Add(1)
		go func(op *trackedOperation) {
			defer wg.Done()
			if err := op.continuation(ctx); err != nil {
				e.log.Warn("Manual retry failed", "operation", op.name, "connection", op.connectionID, "error", err)
				mu.Lock()
				failed = append(failed, op)
				mu.Unlock()
				return
			}
			e.untrack(op)
		}(op)
	}
	wg.Wait()

	e.mu.Lock()
	for _, op := range failed {
		if _, ok := e.ops[op.id]; ok {
			op.exhausted = true
		}
	}
	e.updateGaugesLocked()
	e.mu.Unlock()

	if len(failed) < len(targets) {
		e.log.Info("Manual retry restored connectivity",
			"succeeded", len(targets)-len(failed),
			"failed", len(failed),
		)
		e.publish(signal.ConnectivityRestored, targets[0].connectionID, signal.SourceManualRetry, "")
		return true
	}

	if err := wait(ctx, e.cfg.ExhaustedCooldown, nil); err != nil {
		return false
	}
	if e.IsGloballyExhausted() {
		e.publish(signal.RetriesExhausted, failed[0].connectionID, signal.SourceManualRetry, "manual retry failed")
	}
	return false
}

package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/securelink/internal/core/domain"
	"github.com/vietddude/securelink/internal/infra/rpc/routing"
	"github.com/vietddude/securelink/internal/metrics"
)

// Options describe one operation run through the engine.
type Options struct {
	Name         string
	ConnectionID uint32
	MaxRetries   int // retries after the first attempt

	// SelfRecovering disables RecoveryFunc for this call. The channel
	// manager sets it because it recovers inline before re-encrypting.
	SelfRecovering bool

	// HandOff drops the operation from the tracking table when it exhausts
	// instead of keeping it for manual retry. The caller takes the work over,
	// for example by queueing it.
	HandOff bool
}

// ExhaustedError is returned when an operation used every retry. The
// operation stays in the tracking table under TrackingID until a manual
// retry succeeds or the sweep abandons it. TrackingID is empty for
// operations run with HandOff, which leave the table on exhaustion.
type ExhaustedError struct {
	Name       string
	Attempts   int
	TrackingID string
	Err        error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v: %v", e.Name, e.Attempts, domain.ErrRetriesExhausted, e.Err)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{domain.ErrRetriesExhausted, e.Err}
}

// Operation is a single attempt of a remote call.
type Operation[T any] func(ctx context.Context) (T, error)

// Execute runs op under the retry policy. When the engine is globally
// exhausted it fails immediately with domain.ErrManualRetryRequired.
func Execute[T any](ctx context.Context, e *Engine, op Operation[T], opts Options) (T, error) {
	return execute(ctx, e, op, opts, false)
}

// ExecuteManualRetry is Execute without the global exhaustion gate.
func ExecuteManualRetry[T any](ctx context.Context, e *Engine, op Operation[T], opts Options) (T, error) {
	return execute(ctx, e, op, opts, true)
}

// Run is Execute for operations without a result.
func Run(ctx context.Context, e *Engine, op func(ctx context.Context) error, opts Options) error {
	_, err := Execute(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts)
	return err
}

func execute[T any](ctx context.Context, e *Engine, op Operation[T], opts Options, manual bool) (T, error) {
	var zero T

	if !manual && e.IsGloballyExhausted() {
		return zero, fmt.Errorf("%s: %w", opts.Name, domain.ErrManualRetryRequired)
	}
	if err := ctx.Err(); err != nil {
		return zero, domain.Cancelled(err)
	}

	backoff := e.cfg.Backoff.NewBackoff(opts.MaxRetries)
	continuation := func(ctx context.Context) error {
		_, err := runAttempt(ctx, e.cfg.AttemptTimeout, op)
		return err
	}

	var tracked *trackedOperation
	for attempt := 1; ; attempt++ {
		wake := e.restoredSignal()

		val, err := runAttempt(ctx, e.cfg.AttemptTimeout, op)
		if err == nil {
			if tracked != nil {
				e.untrack(tracked)
				e.log.Info("Operation succeeded after retry",
					"operation", opts.Name,
					"connection", opts.ConnectionID,
					"attempt", attempt,
				)
			}
			return val, nil
		}

		failure := domain.AsFailure(err)
		if failure.Kind == domain.FailureOperationCancelled || ctx.Err() != nil {
			if tracked != nil {
				e.untrack(tracked)
			}
			return zero, domain.Cancelled(err)
		}

		class := routing.Classify(failure)
		metrics.RetryAttemptsTotal.WithLabelValues(opts.Name, class.Label()).Inc()

		if class.RequiresRecovery && !opts.SelfRecovering {
			e.triggerRecovery(opts.ConnectionID)
		}

		if !class.Transient {
			if tracked != nil {
				e.untrack(tracked)
			}
			return zero, failure
		}

		if tracked == nil {
			tracked = e.track(opts, continuation)
		}

		delay, stop := backoff.Next()
		if stop {
			trackingID := tracked.id
			if opts.HandOff {
				e.handOff(tracked, failure.Message)
				trackingID = ""
			} else {
				e.exhaust(tracked, failure.Message)
			}
			return zero, &ExhaustedError{
				Name:       opts.Name,
				Attempts:   attempt,
				TrackingID: trackingID,
				Err:        failure,
			}
		}

		_, maxDelay := e.cfg.Backoff.Bounds()
		if class.ServerShutdown {
			delay = maxDelay
		}

		e.log.Debug("Retrying operation",
			"operation", opts.Name,
			"connection", opts.ConnectionID,
			"attempt", attempt,
			"delay", delay,
			"classification", class.Label(),
			"error", failure,
		)

		var waitErr error
		if class.OutageRecoveryWait {
			if ue := failure.UserError; ue != nil && ue.RetryAfter > delay {
				delay = min(ue.RetryAfter, maxDelay)
			}
			waitErr = wait(ctx, delay, wake)
		} else {
			waitErr = wait(ctx, delay, nil)
		}
		if waitErr != nil {
			e.untrack(tracked)
			return zero, domain.Cancelled(waitErr)
		}

		e.setRetryCount(tracked, attempt)
	}
}

type outcome[T any] struct {
	val T
	err error
}

// runAttempt runs op with its own deadline. A timed out attempt is reported
// as DataCenterNotResponding so it stays retryable.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op Operation[T]) (T, error) {
	var zero T

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		v, err := op(actx)
		done <- outcome[T]{val: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && actx.Err() != nil {
			return zero, domain.NotResponding("attempt timed out", o.err)
		}
		return o.val, o.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return zero, domain.Cancelled(err)
		}
		return zero, domain.NotResponding("attempt timed out", actx.Err())
	}
}

// wait sleeps for d, returning early when wake closes or ctx ends.
func wait(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timer.C:
		return nil
	}
}

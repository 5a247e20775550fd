// Package resilience runs remote operations under a retry policy and tracks
// operations that keep failing so a user can retry them manually.
//
// Global exhaustion is derived from the tracking table on every read: it is
// true only when at least one operation is tracked and every tracked
// operation has used all of its retries.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vietddude/securelink/internal/infra/rpc/routing"
	"github.com/vietddude/securelink/internal/infra/signal"
)

// ErrCloseTimeout is returned by Close when background work outlives the grace period.
var ErrCloseTimeout = errors.New("resilience: background work did not finish in time")

// Config controls retry timing and bookkeeping.
type Config struct {
	Backoff           routing.BackoffConfig
	AttemptTimeout    time.Duration // wall clock per attempt, independent of backoff
	AbandonAfter      time.Duration // tracked operations older than this are dropped
	SweepInterval     time.Duration
	ExhaustedCooldown time.Duration // delay before re-raising exhaustion after a failed manual retry
	CloseGrace        time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Backoff:           routing.DefaultBackoffConfig,
		AttemptTimeout:    30 * time.Second,
		AbandonAfter:      10 * time.Minute,
		SweepInterval:     time.Minute,
		ExhaustedCooldown: 2 * time.Second,
		CloseGrace:        5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = d.AbandonAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ExhaustedCooldown < 0 {
		c.ExhaustedCooldown = 0
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = d.CloseGrace
	}
	return c
}

// RecoveryFunc re-establishes or validates the channel for a connection.
type RecoveryFunc func(ctx context.Context, connectionID uint32) error

// Engine is the retry executor. Use Execute or ExecuteManualRetry to run
// operations through it.
type Engine struct {
	cfg     Config
	bus     signal.Bus
	recover RecoveryFunc
	log     *slog.Logger

	mu       sync.Mutex
	ops      map[string]*trackedOperation
	restored chan struct{}
	closed   bool

	recoveries singleflight.Group
	wg         sync.WaitGroup

	// life is cancelled once Close gives up waiting.
	life   context.Context
	cancel context.CancelFunc

	stop        chan struct{}
	closeOnce   sync.Once
	unsubscribe []func()
}

// NewEngine creates an engine and starts its abandonment sweep. recover may
// be nil when no channel recovery is wired.
func NewEngine(cfg Config, bus signal.Bus, recover RecoveryFunc) *Engine {
	life, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg.withDefaults(),
		bus:      bus,
		recover:  recover,
		log:      slog.Default().With("component", "resilience"),
		ops:      make(map[string]*trackedOperation),
		restored: make(chan struct{}),
		life:     life,
		cancel:   cancel,
		stop:     make(chan struct{}),
	}

	if bus != nil {
		e.unsubscribe = append(e.unsubscribe,
			bus.Subscribe(signal.ManualRetryRequested, e.onManualRetryRequested),
			bus.Subscribe(signal.ConnectivityRestored, e.onConnectivityRestored),
		)
	}

	e.wg.Add(1)
	go e.sweepLoop()

	return e
}

// SetRecovery replaces the recovery hook. Used when the channel manager is
// built after the engine.
func (e *Engine) SetRecovery(fn RecoveryFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recover = fn
}

// Close stops the sweep, drops bus subscriptions and waits for background
// work (recoveries, manual retries) up to the configured grace period.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		close(e.stop)
		for _, unsub := range e.unsubscribe {
			unsub()
		}
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(e.cfg.CloseGrace)
	defer grace.Stop()

	defer e.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-grace.C:
		e.log.Warn("Abandoning background work on close", "grace", e.cfg.CloseGrace)
		return ErrCloseTimeout
	}
}

// goBackground runs fn on a tracked goroutine unless the engine is closed.
func (e *Engine) goBackground(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		fn(e.life)
	}()
	return true
}

// triggerRecovery starts channel recovery for id. Concurrent triggers for
// the same connection share one run.
func (e *Engine) triggerRecovery(connectionID uint32) {
	e.mu.Lock()
	fn := e.recover
	e.mu.Unlock()
	if fn == nil {
		return
	}

	key := strconv.FormatUint(uint64(connectionID), 10)
	e.goBackground(func(ctx context.Context) {
		_, err, shared := e.recoveries.Do(key, func() (any, error) {
			return nil, fn(ctx, connectionID)
		})
		if shared {
			return
		}
		if err != nil {
			e.log.Warn("Connection recovery failed", "connection", connectionID, "error", err)
			return
		}
		e.log.Info("Connection recovered", "connection", connectionID)
	})
}

func (e *Engine) publish(kind signal.Kind, connectionID uint32, source, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(signal.Signal{
		Kind:         kind,
		ConnectionID: connectionID,
		Source:       source,
		Reason:       reason,
		At:           time.Now(),
	})
}

func (e *Engine) onConnectivityRestored(s signal.Signal) {
	e.mu.Lock()
	close(e.restored)
	e.restored = make(chan struct{})
	e.mu.Unlock()
}

// restoredSignal returns a channel closed on the next ConnectivityRestored.
func (e *Engine) restoredSignal() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restored
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			if n := e.sweep(now); n > 0 {
				e.log.Info("Dropped abandoned operations", "count", n)
			}
		}
	}
}

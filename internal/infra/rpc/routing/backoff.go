package routing

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Strategy selects the delay schedule between attempts.
type Strategy string

const (
	StrategyExponential        Strategy = "exponential"
	StrategyDecorrelatedJitter Strategy = "decorrelated_jitter"
)

// BackoffConfig defines the delay schedule.
type BackoffConfig struct {
	Strategy  Strategy
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultBackoffConfig provides sensible defaults.
var DefaultBackoffConfig = BackoffConfig{
	Strategy:  StrategyExponential,
	BaseDelay: 500 * time.Millisecond,
	MaxDelay:  30 * time.Second,
}

func (c BackoffConfig) normalized() BackoffConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBackoffConfig.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultBackoffConfig.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Strategy == "" {
		c.Strategy = StrategyExponential
	}
	return c
}

// Bounds returns the minimum and maximum delay the schedule can produce.
func (c BackoffConfig) Bounds() (time.Duration, time.Duration) {
	c = c.normalized()
	return 0, c.MaxDelay
}

// NewBackoff builds a schedule allowing at most maxRetries delays.
func (c BackoffConfig) NewBackoff(maxRetries int) retry.Backoff {
	c = c.normalized()

	var b retry.Backoff
	switch c.Strategy {
	case StrategyDecorrelatedJitter:
		b = decorrelatedJitter(c.BaseDelay, c.MaxDelay)
	default:
		// Fast-first: the first retry fires immediately, then base doubling.
		b = fastFirst(retry.WithCappedDuration(c.MaxDelay, retry.NewExponential(c.BaseDelay)))
	}

	if maxRetries < 0 {
		maxRetries = 0
	}
	return retry.WithMaxRetries(uint64(maxRetries), b)
}

func fastFirst(next retry.Backoff) retry.Backoff {
	var once sync.Once
	return retry.BackoffFunc(func() (time.Duration, bool) {
		first := false
		once.Do(func() { first = true })
		if first {
			return 0, false
		}
		return next.Next()
	})
}

// decorrelatedJitter yields min(max, rand[base, prev*3)).
func decorrelatedJitter(base, maxDelay time.Duration) retry.Backoff {
	var mu sync.Mutex
	prev := base
	return retry.BackoffFunc(func() (time.Duration, bool) {
		mu.Lock()
		defer mu.Unlock()

		upper := min(prev*3, maxDelay)
		next := base
		if span := upper - base; span > 0 {
			next += time.Duration(rand.Int64N(int64(span)))
		}
		prev = next
		return next, false
	})
}

// Package queue holds deferred network operations per connection and runs
// them once connectivity allows.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vietddude/securelink/internal/core/domain"
	"github.com/vietddude/securelink/internal/infra/signal"
	"github.com/vietddude/securelink/internal/infra/storage"
	"github.com/vietddude/securelink/internal/metrics"
)

// Config controls queue limits and drain timing.
type Config struct {
	Capacity      int           `yaml:"capacity"`
	MaxAttempts   int           `yaml:"max_attempts"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	Concurrency   int           `yaml:"concurrency"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:      1000,
		MaxAttempts:   5,
		StaleAfter:    time.Hour,
		DrainInterval: 5 * time.Second,
		Concurrency:   4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = d.DrainInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}

// Queue is a priority-ordered, deduplicated backlog of deferred operations.
type Queue struct {
	cfg   Config
	store storage.Store
	bus   signal.Bus
	conn  signal.Connectivity
	sem   *semaphore.Weighted
	log   *slog.Logger
	now   func() time.Time

	mu       sync.Mutex
	queues   map[uint32][]*domain.QueuedOperation
	inFlight map[string]bool
	size     int

	wg      sync.WaitGroup
	kick    chan struct{}
	cancel  context.CancelFunc
	unsub   func()
	running bool
}

// New creates a queue. store may be nil, in which case persistent operations
// are kept in memory only. When bus also reports connectivity, draining
// pauses while it is degraded.
func New(cfg Config, store storage.Store, bus signal.Bus) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		log:      slog.Default().With("component", "queue"),
		now:      time.Now,
		queues:   make(map[uint32][]*domain.QueuedOperation),
		inFlight: make(map[string]bool),
		kick:     make(chan struct{}, 1),
	}
	if c, ok := bus.(signal.Connectivity); ok {
		q.conn = c
	}
	return q
}

// Enqueue adds op and returns its id. It fails with domain.ErrQueueFull at
// capacity and domain.ErrSimilarOperationPending when an operation of the
// same kind is pending for the connection with attempts remaining.
func (q *Queue) Enqueue(ctx context.Context, op *domain.QueuedOperation) (string, error) {
	if op == nil || op.Executor == nil {
		return "", domain.InvalidRequest("queued operation needs an executor")
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.now()
	}
	if op.MaxAttempts <= 0 {
		op.MaxAttempts = q.cfg.MaxAttempts
	}

	if err := q.insert(op); err != nil {
		return "", err
	}

	if op.Persistent {
		if err := q.journal(ctx, op); err != nil {
			q.remove(op.ConnectionID, op.ID)
			return "", err
		}
	}

	q.log.Debug("Operation enqueued",
		"id", op.ID,
		"connection", op.ConnectionID,
		"kind", op.Kind,
		"priority", op.Priority,
	)
	return op.ID, nil
}

func (q *Queue) insert(op *domain.QueuedOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size >= q.cfg.Capacity {
		return fmt.Errorf("enqueue %s: %w", op.Kind, domain.ErrQueueFull)
	}
	for _, existing := range q.queues[op.ConnectionID] {
		if existing.Kind == op.Kind && existing.HasAttemptsRemaining() {
			return fmt.Errorf("enqueue %s: %w", op.Kind, domain.ErrSimilarOperationPending)
		}
	}

	q.queues[op.ConnectionID] = append(q.queues[op.ConnectionID], op)
	q.size++
	metrics.QueueDepth.Set(float64(q.size))
	return nil
}

func (q *Queue) remove(connectionID uint32, id string) *domain.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(connectionID, id)
}

func (q *Queue) removeLocked(connectionID uint32, id string) *domain.QueuedOperation {
	ops := q.queues[connectionID]
	for i, op := range ops {
		if op.ID != id {
			continue
		}
		ops = append(ops[:i:i], ops[i+1:]...)
		if len(ops) == 0 {
			delete(q.queues, connectionID)
		} else {
			q.queues[connectionID] = ops
		}
		q.size--
		metrics.QueueDepth.Set(float64(q.size))
		return op
	}
	return nil
}

// ClearConnectionQueue drops every operation queued for connectionID.
func (q *Queue) ClearConnectionQueue(ctx context.Context, connectionID uint32) int {
	q.mu.Lock()
	ops := q.queues[connectionID]
	delete(q.queues, connectionID)
	q.size -= len(ops)
	metrics.QueueDepth.Set(float64(q.size))
	q.mu.Unlock()

	for _, op := range ops {
		q.forget(ctx, op)
	}
	if len(ops) > 0 {
		q.log.Info("Cleared connection queue", "connection", connectionID, "count", len(ops))
	}
	return len(ops)
}

// GetPending returns copies of the pending operations, for one connection
// when connectionID is set, ordered by priority then enqueue time.
func (q *Queue) GetPending(connectionID *uint32) []*domain.QueuedOperation {
	q.mu.Lock()
	var out []*domain.QueuedOperation
	for id, ops := range q.queues {
		if connectionID != nil && id != *connectionID {
			continue
		}
		for _, op := range ops {
			c := *op
			out = append(out, &c)
		}
	}
	q.mu.Unlock()

	sortReady(out)
	return out
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// sortReady orders by priority descending, then enqueue time ascending.
func sortReady(ops []*domain.QueuedOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority > ops[j].Priority
		}
		return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt)
	})
}

package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/securelink/internal/core/domain"
	"github.com/vietddude/securelink/internal/infra/signal"
	"github.com/vietddude/securelink/internal/infra/storage/memory"
)

// ===== Helpers =====

func noop(ctx context.Context) error { return nil }

func newOp(conn uint32, kind string, prio domain.Priority) *domain.QueuedOperation {
	return &domain.QueuedOperation{
		ConnectionID: conn,
		Kind:         kind,
		Priority:     prio,
		Executor:     noop,
	}
}

// ===== Mock Executor =====

type countingExecutor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingExecutor) run(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *countingExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// ===== Tests =====

func TestEnqueue_Defaults(t *testing.T) {
	q := New(Config{}, nil, nil)
	op := newOp(1, "send_message", domain.PriorityNormal)

	id, err := q.Enqueue(context.Background(), op)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id == "" || id != op.ID {
		t.Errorf("id = %q, op.ID = %q", id, op.ID)
	}
	if op.MaxAttempts != DefaultConfig().MaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", op.MaxAttempts, DefaultConfig().MaxAttempts)
	}
	if op.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt not set")
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestEnqueue_RejectsMissingExecutor(t *testing.T) {
	q := New(Config{}, nil, nil)
	_, err := q.Enqueue(context.Background(), &domain.QueuedOperation{Kind: "x"})

	var f *domain.NetworkFailure
	if !errors.As(err, &f) || f.Kind != domain.FailureInvalidRequest {
		t.Errorf("Enqueue() error = %v, want InvalidRequest", err)
	}
}

func TestEnqueue_Deduplication(t *testing.T) {
	tests := []struct {
		name    string
		first   *domain.QueuedOperation
		second  *domain.QueuedOperation
		wantErr error
	}{
		{
			name:    "same connection and kind",
			first:   newOp(1, "send_message", domain.PriorityNormal),
			second:  newOp(1, "send_message", domain.PriorityHigh),
			wantErr: domain.ErrSimilarOperationPending,
		},
		{
			name:   "different kind",
			first:  newOp(1, "send_message", domain.PriorityNormal),
			second: newOp(1, "logout", domain.PriorityNormal),
		},
		{
			name:   "different connection",
			first:  newOp(1, "send_message", domain.PriorityNormal),
			second: newOp(2, "send_message", domain.PriorityNormal),
		},
		{
			name: "older operation has no attempts left",
			first: &domain.QueuedOperation{
				ConnectionID: 1, Kind: "send_message", Executor: noop,
				MaxAttempts: 1, AttemptCount: 1,
			},
			second: newOp(1, "send_message", domain.PriorityNormal),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(Config{}, nil, nil)
			if _, err := q.Enqueue(context.Background(), tt.first); err != nil {
				t.Fatalf("first Enqueue() error = %v", err)
			}
			_, err := q.Enqueue(context.Background(), tt.second)
			if tt.wantErr == nil && err != nil {
				t.Errorf("second Enqueue() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("second Enqueue() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnqueue_Capacity(t *testing.T) {
	q := New(Config{Capacity: 2}, nil, nil)
	ctx := context.Background()

	for _, kind := range []string{"a", "b"} {
		if _, err := q.Enqueue(ctx, newOp(1, kind, domain.PriorityNormal)); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", kind, err)
		}
	}
	if _, err := q.Enqueue(ctx, newOp(1, "c", domain.PriorityNormal)); !errors.Is(err, domain.ErrQueueFull) {
		t.Errorf("Enqueue() error = %v, want ErrQueueFull", err)
	}
}

func TestGetPending_Ordering(t *testing.T) {
	q := New(Config{}, nil, nil)
	base := time.Now().Add(-time.Minute)
	ctx := context.Background()

	ops := []*domain.QueuedOperation{
		{ID: "low", ConnectionID: 1, Kind: "a", Priority: domain.PriorityLow, EnqueuedAt: base, Executor: noop},
		{ID: "crit", ConnectionID: 2, Kind: "b", Priority: domain.PriorityCritical, EnqueuedAt: base.Add(3 * time.Second), Executor: noop},
		{ID: "high-late", ConnectionID: 1, Kind: "c", Priority: domain.PriorityHigh, EnqueuedAt: base.Add(2 * time.Second), Executor: noop},
		{ID: "high-early", ConnectionID: 2, Kind: "d", Priority: domain.PriorityHigh, EnqueuedAt: base.Add(time.Second), Executor: noop},
	}
	for _, op := range ops {
		if _, err := q.Enqueue(ctx, op); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", op.ID, err)
		}
	}

	want := []string{"crit", "high-early", "high-late", "low"}
	got := q.GetPending(nil)
	if len(got) != len(want) {
		t.Fatalf("GetPending() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("GetPending()[%d] = %s, want %s", i, got[i].ID, want[i])
		}
	}

	conn := uint32(1)
	onlyOne := q.GetPending(&conn)
	if len(onlyOne) != 2 || onlyOne[0].ID != "high-late" {
		t.Errorf("GetPending(1) = %v", onlyOne)
	}

	onlyOne[0].AttemptCount = 99
	if q.GetPending(&conn)[0].AttemptCount == 99 {
		t.Error("GetPending() returned a live operation, want a copy")
	}
}

func TestReady_ExcludesExpiredAndBackoff(t *testing.T) {
	q := New(Config{}, nil, nil)
	now := time.Now()
	q.now = func() time.Time { return now }
	ctx := context.Background()

	expired := &domain.QueuedOperation{
		ID: "expired", ConnectionID: 1, Kind: "a", Executor: noop,
		EnqueuedAt: now.Add(-2 * time.Minute), ExpiresAfter: time.Minute,
	}
	backingOff := &domain.QueuedOperation{
		ID: "backoff", ConnectionID: 1, Kind: "b", Executor: noop,
		EnqueuedAt: now.Add(-time.Minute), AttemptCount: 3, LastAttemptAt: now.Add(-2 * time.Second),
	}
	ready := &domain.QueuedOperation{
		ID: "ready", ConnectionID: 1, Kind: "c", Executor: noop,
		EnqueuedAt: now.Add(-time.Minute), AttemptCount: 1, LastAttemptAt: now.Add(-3 * time.Second),
	}
	for _, op := range []*domain.QueuedOperation{expired, backingOff, ready} {
		if _, err := q.Enqueue(ctx, op); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", op.ID, err)
		}
	}

	q.mu.Lock()
	got := q.readyLocked(now)
	q.mu.Unlock()
	if len(got) != 1 || got[0].ID != "ready" {
		ids := make([]string, len(got))
		for i, op := range got {
			ids[i] = op.ID
		}
		t.Errorf("ready = %v, want [ready]", ids)
	}

	if n := q.purge(ctx, now); n != 1 {
		t.Errorf("purge() = %d, want 1", n)
	}
	for _, op := range q.GetPending(nil) {
		if op.ID == "expired" {
			t.Error("expired operation still pending after purge")
		}
	}
}

func TestPurge_StaleAndEmptySubQueues(t *testing.T) {
	q := New(Config{StaleAfter: time.Hour}, nil, nil)
	now := time.Now()
	ctx := context.Background()

	stale := &domain.QueuedOperation{
		ConnectionID: 4, Kind: "a", Executor: noop,
		EnqueuedAt: now.Add(-3 * time.Hour), AttemptCount: 1, LastAttemptAt: now.Add(-2 * time.Hour),
	}
	if _, err := q.Enqueue(ctx, stale); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if n := q.purge(ctx, now); n != 1 {
		t.Errorf("purge() = %d, want 1", n)
	}
	q.mu.Lock()
	_, ok := q.queues[4]
	q.mu.Unlock()
	if ok {
		t.Error("empty sub-queue not removed")
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestPurgeReason(t *testing.T) {
	q := New(Config{StaleAfter: time.Hour}, nil, nil)
	now := time.Now()

	tests := []struct {
		name string
		op   *domain.QueuedOperation
		want string
	}{
		{
			name: "expired",
			op:   &domain.QueuedOperation{EnqueuedAt: now.Add(-2 * time.Minute), ExpiresAfter: time.Minute, MaxAttempts: 3},
			want: "expired",
		},
		{
			name: "spent",
			op:   &domain.QueuedOperation{EnqueuedAt: now, AttemptCount: 3, MaxAttempts: 3, LastAttemptAt: now},
			want: "spent",
		},
		{
			name: "stale",
			op:   &domain.QueuedOperation{EnqueuedAt: now.Add(-3 * time.Hour), AttemptCount: 1, MaxAttempts: 3, LastAttemptAt: now.Add(-2 * time.Hour)},
			want: "stale",
		},
		{
			name: "kept",
			op:   &domain.QueuedOperation{EnqueuedAt: now.Add(-time.Minute), MaxAttempts: 3},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := q.purgeReason(tt.op, now); got != tt.want {
				t.Errorf("purgeReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDrainNow_Outcomes(t *testing.T) {
	q := New(Config{MaxAttempts: 2}, nil, nil)
	ctx := context.Background()

	ok := &countingExecutor{}
	failing := &countingExecutor{err: errors.New("boom")}

	okOp := newOp(1, "ok", domain.PriorityNormal)
	okOp.Executor = ok.run
	failOp := newOp(1, "fail", domain.PriorityNormal)
	failOp.Executor = failing.run

	for _, op := range []*domain.QueuedOperation{okOp, failOp} {
		if _, err := q.Enqueue(ctx, op); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	if n := q.DrainNow(ctx); n != 2 {
		t.Fatalf("DrainNow() = %d, want 2", n)
	}
	pending := q.GetPending(nil)
	if len(pending) != 1 || pending[0].Kind != "fail" {
		t.Fatalf("pending = %v, want only fail", pending)
	}
	if pending[0].AttemptCount != 1 || pending[0].LastAttemptAt.IsZero() {
		t.Errorf("failed op = %+v, want one attempt recorded", pending[0])
	}

	// Backoff window of 2s has not elapsed yet.
	if n := q.DrainNow(ctx); n != 0 {
		t.Errorf("DrainNow() during backoff = %d, want 0", n)
	}

	q.now = func() time.Time { return time.Now().Add(3 * time.Second) }
	if n := q.DrainNow(ctx); n != 1 {
		t.Fatalf("DrainNow() after backoff = %d, want 1", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after max attempts", q.Len())
	}
	if failing.count() != 2 {
		t.Errorf("failing calls = %d, want 2", failing.count())
	}
}

func TestDrainNow_BoundedConcurrency(t *testing.T) {
	q := New(Config{Concurrency: 2}, nil, nil)
	ctx := context.Background()

	var running, peak atomic.Int32
	release := make(chan struct{})
	exec := func(ctx context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}

	for _, kind := range []string{"a", "b", "c"} {
		op := newOp(1, kind, domain.PriorityNormal)
		op.Executor = exec
		if _, err := q.Enqueue(ctx, op); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	done := make(chan int, 1)
	go func() { done <- q.DrainNow(ctx) }()

	deadline := time.Now().Add(time.Second)
	for running.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)

	if n := <-done; n != 2 {
		t.Errorf("DrainNow() = %d, want 2", n)
	}
	if peak.Load() != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak.Load())
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestStart_PausesWhileDegraded(t *testing.T) {
	bus := signal.NewMemoryBus()
	q := New(Config{DrainInterval: 5 * time.Millisecond}, nil, bus)
	ctx := context.Background()

	bus.Publish(signal.Signal{Kind: signal.ConnectivityDegraded})

	exec := &countingExecutor{}
	op := newOp(1, "send_message", domain.PriorityNormal)
	op.Executor = exec.run
	if _, err := q.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	q.Start(ctx)
	defer q.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)
	if exec.count() != 0 {
		t.Fatalf("executed %d times while degraded, want 0", exec.count())
	}

	bus.Publish(signal.Signal{Kind: signal.ConnectivityRestored})

	deadline := time.Now().Add(2 * time.Second)
	for exec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if exec.count() != 1 {
		t.Errorf("executed %d times after restore, want 1", exec.count())
	}
}

func TestStop_NotRunning(t *testing.T) {
	q := New(Config{}, nil, nil)
	if err := q.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() error = %v, want ErrNotRunning", err)
	}
}

func TestJournal_RestoreRebinds(t *testing.T) {
	store := memory.NewMemoryStorage()
	ctx := context.Background()

	q := New(Config{}, store, nil)
	op := newOp(7, "send_message", domain.PriorityHigh)
	op.Persistent = true
	op.Metadata = map[string]string{"flow": "single"}
	id, err := q.Enqueue(ctx, op)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := store.Get(ctx, journalKey(id)); err != nil {
		t.Fatalf("journal entry missing: %v", err)
	}

	transientOp := newOp(7, "logout", domain.PriorityNormal)
	if _, err := q.Enqueue(ctx, transientOp); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("journal size = %d, want 1 (non-persistent ops are not journaled)", store.Len())
	}

	restarted := New(Config{}, store, nil)
	exec := &countingExecutor{}
	var bound *domain.QueuedOperation
	n, err := restarted.Restore(ctx, BinderFunc(func(op *domain.QueuedOperation) (domain.Executor, error) {
		bound = op
		return exec.run, nil
	}))
	if err != nil || n != 1 {
		t.Fatalf("Restore() = %d, %v", n, err)
	}
	if bound.ID != id || bound.Priority != domain.PriorityHigh || bound.Metadata["flow"] != "single" {
		t.Errorf("bound = %+v", bound)
	}
	if !bound.EnqueuedAt.Equal(op.EnqueuedAt) {
		t.Errorf("EnqueuedAt = %v, want %v", bound.EnqueuedAt, op.EnqueuedAt)
	}

	if got := restarted.DrainNow(ctx); got != 1 {
		t.Fatalf("DrainNow() = %d, want 1", got)
	}
	if exec.count() != 1 {
		t.Errorf("restored executor calls = %d, want 1", exec.count())
	}
	if store.Len() != 0 {
		t.Errorf("journal size = %d, want 0 after success", store.Len())
	}
}

func TestJournal_RestoreDiscardsUnbindable(t *testing.T) {
	store := memory.NewMemoryStorage()
	ctx := context.Background()

	q := New(Config{}, store, nil)
	op := newOp(1, "unknown_kind", domain.PriorityNormal)
	op.Persistent = true
	if _, err := q.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	restarted := New(Config{}, store, nil)
	n, err := restarted.Restore(ctx, BinderFunc(func(op *domain.QueuedOperation) (domain.Executor, error) {
		return nil, errors.New("no binding")
	}))
	if err != nil || n != 0 {
		t.Errorf("Restore() = %d, %v, want 0, nil", n, err)
	}
	if store.Len() != 0 {
		t.Errorf("journal size = %d, want 0", store.Len())
	}
}

func TestClearConnectionQueue(t *testing.T) {
	store := memory.NewMemoryStorage()
	q := New(Config{}, store, nil)
	ctx := context.Background()

	for _, kind := range []string{"a", "b"} {
		op := newOp(3, kind, domain.PriorityNormal)
		op.Persistent = true
		if _, err := q.Enqueue(ctx, op); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	if _, err := q.Enqueue(ctx, newOp(4, "a", domain.PriorityNormal)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if n := q.ClearConnectionQueue(ctx, 3); n != 2 {
		t.Errorf("ClearConnectionQueue() = %d, want 2", n)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
	if store.Len() != 0 {
		t.Errorf("journal size = %d, want 0", store.Len())
	}
}

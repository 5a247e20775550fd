package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/vietddude/securelink/internal/core/domain"
)

const journalPrefix = "queue/"

// Binder rebuilds the executor of a journaled operation after a restart.
type Binder interface {
	Bind(op *domain.QueuedOperation) (domain.Executor, error)
}

// BinderFunc adapts a function to Binder.
type BinderFunc func(op *domain.QueuedOperation) (domain.Executor, error)

func (f BinderFunc) Bind(op *domain.QueuedOperation) (domain.Executor, error) { return f(op) }

// record is the journaled form of a persistent operation.
type record struct {
	ID            string            `cbor:"1,keyasint"`
	ConnectionID  uint32            `cbor:"2,keyasint"`
	Kind          string            `cbor:"3,keyasint"`
	Priority      int               `cbor:"4,keyasint"`
	EnqueuedAt    int64             `cbor:"5,keyasint"`
	LastAttemptAt int64             `cbor:"6,keyasint,omitempty"`
	AttemptCount  int               `cbor:"7,keyasint"`
	MaxAttempts   int               `cbor:"8,keyasint"`
	ExpiresAfter  int64             `cbor:"9,keyasint,omitempty"`
	Metadata      map[string]string `cbor:"10,keyasint,omitempty"`
}

func journalKey(id string) string {
	return journalPrefix + id
}

func encodeRecord(op *domain.QueuedOperation) ([]byte, error) {
	r := record{
		ID:           op.ID,
		ConnectionID: op.ConnectionID,
		Kind:         op.Kind,
		Priority:     int(op.Priority),
		EnqueuedAt:   op.EnqueuedAt.UnixNano(),
		AttemptCount: op.AttemptCount,
		MaxAttempts:  op.MaxAttempts,
		ExpiresAfter: int64(op.ExpiresAfter),
		Metadata:     op.Metadata,
	}
	if !op.LastAttemptAt.IsZero() {
		r.LastAttemptAt = op.LastAttemptAt.UnixNano()
	}
	return cbor.Marshal(&r)
}

func decodeRecord(data []byte) (*domain.QueuedOperation, error) {
	var r record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	op := &domain.QueuedOperation{
		ID:           r.ID,
		ConnectionID: r.ConnectionID,
		Kind:         r.Kind,
		Priority:     domain.Priority(r.Priority),
		EnqueuedAt:   time.Unix(0, r.EnqueuedAt),
		AttemptCount: r.AttemptCount,
		MaxAttempts:  r.MaxAttempts,
		Persistent:   true,
		ExpiresAfter: time.Duration(r.ExpiresAfter),
		Metadata:     r.Metadata,
	}
	if r.LastAttemptAt != 0 {
		op.LastAttemptAt = time.Unix(0, r.LastAttemptAt)
	}
	return op, nil
}

func (q *Queue) journal(ctx context.Context, op *domain.QueuedOperation) error {
	if q.store == nil {
		return nil
	}
	data, err := encodeRecord(op)
	if err != nil {
		return fmt.Errorf("failed to encode queued operation: %w", err)
	}
	if err := q.store.Set(ctx, journalKey(op.ID), data); err != nil {
		return fmt.Errorf("failed to journal queued operation: %w", err)
	}
	return nil
}

// forget removes a persistent operation from the journal.
func (q *Queue) forget(ctx context.Context, op *domain.QueuedOperation) {
	if q.store == nil || !op.Persistent {
		return
	}
	if err := q.store.Delete(ctx, journalKey(op.ID)); err != nil {
		q.log.Warn("Failed to remove journaled operation", "id", op.ID, "error", err)
	}
}

// Restore loads journaled operations and rebinds their executors. Entries
// that are expired, spent or cannot be bound are removed from the journal.
func (q *Queue) Restore(ctx context.Context, b Binder) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	entries, err := q.store.List(ctx, journalPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list journal: %w", err)
	}

	now := q.now()
	restored := 0
	for _, e := range entries {
		id := strings.TrimPrefix(e.Key, journalPrefix)

		op, err := decodeRecord(e.Value)
		if err != nil {
			q.log.Warn("Discarding unreadable journal entry", "id", id, "error", err)
			_ = q.store.Delete(ctx, e.Key)
			continue
		}
		if op.IsExpired(now) || !op.HasAttemptsRemaining() {
			_ = q.store.Delete(ctx, e.Key)
			continue
		}

		exec, err := b.Bind(op)
		if err != nil {
			q.log.Warn("Discarding unbindable journal entry", "id", id, "kind", op.Kind, "error", err)
			_ = q.store.Delete(ctx, e.Key)
			continue
		}
		op.Executor = exec

		if err := q.insert(op); err != nil {
			q.log.Warn("Skipping journaled operation", "id", id, "error", err)
			continue
		}
		restored++
	}

	if restored > 0 {
		q.log.Info("Restored queued operations", "count", restored)
	}
	return restored, nil
}

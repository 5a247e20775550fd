package channel

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/vietddude/securelink/internal/core/domain"
)

// ErrDeferred is matched by errors for requests handed to the queue.
var ErrDeferred = errors.New("request deferred")

// DeferredError reports a request that now waits in the operation queue.
type DeferredError struct {
	OperationID string
	Err         error
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("request deferred as %s: %v", e.OperationID, e.Err)
}

func (e *DeferredError) Unwrap() []error {
	return []error{ErrDeferred, e.Err}
}

// Metadata keys carried by queued requests.
const (
	metaKind    = "kind"
	metaFlow    = "flow"
	metaPayload = "payload"
)

func (m *Manager) deferRequest(
	ctx context.Context,
	c *connection,
	kind domain.OperationKind,
	plaintext []byte,
	flowType domain.FlowType,
	onDecrypted func([]byte) error,
	o requestOptions,
	cause error,
) error {
	op := &domain.QueuedOperation{
		ConnectionID: c.id,
		Kind:         kind.String(),
		Priority:     o.priority,
		Persistent:   o.persistent,
		Executor: func(ctx context.Context) error {
			return m.ExecuteRequest(ctx, c.id, kind, plaintext, flowType, onDecrypted)
		},
		Metadata: map[string]string{
			metaKind: strconv.Itoa(int(kind)),
			metaFlow: flowType.String(),
		},
	}
	if o.persistent {
		op.Metadata[metaPayload] = base64.StdEncoding.EncodeToString(plaintext)
	}

	id, err := m.deferrer.Enqueue(ctx, op)
	if err != nil {
		// The engine already let go of the request, so it is lost here.
		m.log.Warn("Failed to defer request", "connection", c.id, "operation", kind, "error", err)
		return fmt.Errorf("%w (defer: %w)", cause, err)
	}

	m.log.Info("Request deferred",
		"connection", c.id,
		"operation", kind,
		"id", id,
		"priority", o.priority,
		"persistent", o.persistent,
	)
	return &DeferredError{OperationID: id, Err: cause}
}

// Bind rebuilds the executor of a journaled request. Responses of rebound
// requests are logged and dropped since their original handler is gone.
func (m *Manager) Bind(op *domain.QueuedOperation) (domain.Executor, error) {
	n, err := strconv.Atoi(op.Metadata[metaKind])
	if err != nil {
		return nil, fmt.Errorf("operation %s: invalid kind: %w", op.ID, err)
	}
	kind := domain.OperationKind(n)
	if !slices.Contains(domain.AllOperationKinds, kind) {
		return nil, fmt.Errorf("operation %s: unknown kind %d", op.ID, n)
	}
	payload, err := base64.StdEncoding.DecodeString(op.Metadata[metaPayload])
	if err != nil {
		return nil, fmt.Errorf("operation %s: invalid payload: %w", op.ID, err)
	}

	id := op.ConnectionID
	handler := func(b []byte) error {
		m.log.Info("Deferred response received", "connection", id, "operation", kind, "bytes", len(b))
		return nil
	}
	return func(ctx context.Context) error {
		return m.ExecuteRequest(ctx, id, kind, payload, kind.Flow(), handler)
	}, nil
}

package rpc

import (
	"context"
	"errors"
	"io"

	"github.com/vietddude/securelink/internal/core/domain"
	"github.com/vietddude/securelink/internal/infra/rpc/flow"
	"github.com/vietddude/securelink/internal/infra/rpc/provider"
	"github.com/vietddude/securelink/internal/infra/rpc/routing"
	"github.com/vietddude/securelink/internal/metrics"
)

// maxConsecutiveItemErrors ends a stream that keeps failing.
const maxConsecutiveItemErrors = 3

// adaptStream turns a receiver into a cancellable sequence of results.
// Recoverable item failures are emitted and reading continues; the
// sequence ends on EOF, cancellation or a non-recoverable failure.
func adaptStream(
	ctx context.Context,
	cancel context.CancelFunc,
	kind domain.OperationKind,
	recv provider.Receiver,
) flow.InboundStream {
	items := make(chan flow.Result[[]byte])

	go func() {
		defer close(items)
		defer cancel()

		consecutive := 0
		for {
			payload, err := recv.Recv()
			if errors.Is(err, io.EOF) {
				return
			}

			var item flow.Result[[]byte]
			if err != nil {
				failure := provider.ToFailure(err)
				if ctx.Err() != nil {
					failure = domain.Cancelled(ctx.Err())
				}
				item = flow.Fail[[]byte](failure)
				metrics.StreamItemsTotal.WithLabelValues(kind.String(), "failure").Inc()

				consecutive++
				if !routing.IsTransient(failure) || consecutive >= maxConsecutiveItemErrors {
					send(ctx, items, item)
					return
				}
			} else {
				consecutive = 0
				item = flow.Ok(payload)
				metrics.StreamItemsTotal.WithLabelValues(kind.String(), "success").Inc()
			}

			if !send(ctx, items, item) {
				return
			}
		}
	}()

	return flow.NewInboundStream(items, cancel)
}

func send(ctx context.Context, items chan<- flow.Result[[]byte], item flow.Result[[]byte]) bool {
	select {
	case items <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

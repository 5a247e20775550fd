// Package flow describes the shapes an RPC interaction can take.
//
// A dispatch returns exactly one of:
//   - SingleCall: one eventual result
//   - InboundStream: a lazy, cancellable sequence of results
//   - OutboundSink: a capability to push payloads to the remote side
//   - BidirectionalStream: an inbound stream paired with an outbound sink
//
// Flows live only for the duration of a dispatch and are never persisted.
package flow

import (
	"context"
	"errors"

	"github.com/vietddude/securelink/internal/core/domain"
)

// ErrNoResult is returned when a single call completes without producing a value.
var ErrNoResult = errors.New("flow completed without a result")

// ErrSinkClosed is returned when sending on a closed sink.
var ErrSinkClosed = errors.New("outbound sink closed")

// Result carries either a value or the failure that prevented it.
type Result[T any] struct {
	Value T
	Err   error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Fail wraps a failure.
func Fail[T any](err error) Result[T] {
	return Result[T]{Err: err}
}

// Flow is the sum of the supported interaction shapes.
type Flow interface {
	isFlow()
}

// SingleCall resolves to one result.
type SingleCall struct {
	Result <-chan Result[[]byte]
}

func (SingleCall) isFlow() {}

// Completed returns a SingleCall that is already resolved.
func Completed(value []byte, err error) SingleCall {
	ch := make(chan Result[[]byte], 1)
	ch <- Result[[]byte]{Value: value, Err: err}
	close(ch)
	return SingleCall{Result: ch}
}

// Deferred runs fn in its own goroutine and resolves with its outcome.
func Deferred(fn func() ([]byte, error)) SingleCall {
	ch := make(chan Result[[]byte], 1)
	go func() {
		defer close(ch)
		v, err := fn()
		ch <- Result[[]byte]{Value: v, Err: err}
	}()
	return SingleCall{Result: ch}
}

// Await blocks until the call resolves or ctx is done.
func (c SingleCall) Await(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, domain.Cancelled(ctx.Err())
	case r, ok := <-c.Result:
		if !ok {
			return nil, ErrNoResult
		}
		return r.Value, r.Err
	}
}

// InboundStream is a sequence of results pushed by the remote side.
// Items is closed when the sequence ends.
type InboundStream struct {
	Items  <-chan Result[[]byte]
	cancel context.CancelFunc
}

func (InboundStream) isFlow() {}

// NewInboundStream wraps items; cancel stops the producer.
func NewInboundStream(items <-chan Result[[]byte], cancel context.CancelFunc) InboundStream {
	return InboundStream{Items: items, cancel: cancel}
}

// Cancel stops the producer. Items is closed shortly after.
func (s InboundStream) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Each calls fn for every item until the stream ends, fn returns an error,
// or ctx is done. The stream is cancelled on return.
func (s InboundStream) Each(ctx context.Context, fn func(Result[[]byte]) error) error {
	defer s.Cancel()
	for {
		select {
		case <-ctx.Done():
			return domain.Cancelled(ctx.Err())
		case item, ok := <-s.Items:
			if !ok {
				return nil
			}
			if err := fn(item); err != nil {
				return err
			}
		}
	}
}

// OutboundSink pushes payloads to the remote side.
type OutboundSink struct {
	send  func(ctx context.Context, payload []byte) error
	close func() error
}

func (OutboundSink) isFlow() {}

// NewOutboundSink builds a sink from send and close functions.
func NewOutboundSink(
	send func(ctx context.Context, payload []byte) error,
	closeFn func() error,
) OutboundSink {
	return OutboundSink{send: send, close: closeFn}
}

// Send pushes one payload.
func (s OutboundSink) Send(ctx context.Context, payload []byte) error {
	if s.send == nil {
		return ErrSinkClosed
	}
	return s.send(ctx, payload)
}

// Close signals the end of outbound payloads.
func (s OutboundSink) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// BidirectionalStream pairs an inbound stream with an outbound sink.
type BidirectionalStream struct {
	Inbound  InboundStream
	Outbound OutboundSink
}

func (BidirectionalStream) isFlow() {}

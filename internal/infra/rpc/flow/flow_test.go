package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/securelink/internal/core/domain"
)

func TestSingleCall_Completed(t *testing.T) {
	call := Completed([]byte("pong"), nil)

	got, err := call.Await(context.Background())
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if string(got) != "pong" {
		t.Errorf("Await() = %q, want %q", got, "pong")
	}
}

func TestSingleCall_AwaitCancelled(t *testing.T) {
	block := make(chan Result[[]byte])
	call := SingleCall{Result: block}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := call.Await(ctx)
	var f *domain.NetworkFailure
	if !errors.As(err, &f) || f.Kind != domain.FailureOperationCancelled {
		t.Errorf("Await() error = %v, want operation cancelled", err)
	}
}

func TestSingleCall_DeferredFailure(t *testing.T) {
	boom := errors.New("boom")
	call := Deferred(func() ([]byte, error) { return nil, boom })

	_, err := call.Await(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("Await() error = %v, want %v", err, boom)
	}
}

func TestInboundStream_EachStopsOnClose(t *testing.T) {
	items := make(chan Result[[]byte], 3)
	items <- Ok([]byte("a"))
	items <- Fail[[]byte](errors.New("skipped"))
	items <- Ok([]byte("b"))
	close(items)

	var values, failures int
	stream := NewInboundStream(items, nil)
	err := stream.Each(context.Background(), func(r Result[[]byte]) error {
		if r.Err != nil {
			failures++
			return nil
		}
		values++
		return nil
	})
	if err != nil {
		t.Fatalf("Each() error = %v", err)
	}
	if values != 2 || failures != 1 {
		t.Errorf("values = %d, failures = %d, want 2 and 1", values, failures)
	}
}

func TestInboundStream_CancelInvokesProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	items := make(chan Result[[]byte])
	go func() {
		<-ctx.Done()
		close(items)
	}()

	stream := NewInboundStream(items, cancel)
	stream.Cancel()

	select {
	case _, ok := <-stream.Items:
		if ok {
			t.Error("expected closed stream")
		}
	case <-time.After(time.Second):
		t.Fatal("stream not closed after Cancel")
	}
}

func TestOutboundSink(t *testing.T) {
	var sent [][]byte
	closed := false
	sink := NewOutboundSink(
		func(ctx context.Context, p []byte) error {
			sent = append(sent, p)
			return nil
		},
		func() error {
			closed = true
			return nil
		},
	)

	if err := sink.Send(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(sent) != 1 || !closed {
		t.Errorf("sent = %d, closed = %v", len(sent), closed)
	}

	var empty OutboundSink
	if err := empty.Send(context.Background(), nil); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Send() on zero sink error = %v, want %v", err, ErrSinkClosed)
	}
}

func TestFlowVariants(t *testing.T) {
	flows := []Flow{
		Completed(nil, nil),
		NewInboundStream(nil, nil),
		NewOutboundSink(nil, nil),
		BidirectionalStream{},
	}
	for _, f := range flows {
		switch f.(type) {
		case SingleCall, InboundStream, OutboundSink, BidirectionalStream:
		default:
			t.Errorf("unexpected flow %T", f)
		}
	}
}

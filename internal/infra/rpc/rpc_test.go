package rpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/securelink/internal/core/domain"
	"github.com/vietddude/securelink/internal/infra/rpc/flow"
	"github.com/vietddude/securelink/internal/infra/rpc/provider"
	"github.com/vietddude/securelink/internal/infra/signal"
)

// =============================================================================
// Mock Transport
// =============================================================================

type mockTransport struct {
	mu        sync.Mutex
	unaryErr  error
	unaryResp []byte
	items     []streamItem
	openErr   error
	lastMD    provider.Metadata
	lastPath  string
}

type streamItem struct {
	payload []byte
	err     error
}

func (m *mockTransport) Unary(ctx context.Context, method string, payload []byte, md provider.Metadata) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMD = md
	m.lastPath = method
	if m.unaryErr != nil {
		return nil, m.unaryErr
	}
	return m.unaryResp, nil
}

func (m *mockTransport) ServerStream(ctx context.Context, method string, payload []byte, md provider.Metadata) (provider.Receiver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMD = md
	m.lastPath = method
	if m.openErr != nil {
		return nil, m.openErr
	}
	return &mockReceiver{ctx: ctx, items: append([]streamItem(nil), m.items...)}, nil
}

func (m *mockTransport) Close() error { return nil }

type mockReceiver struct {
	ctx   context.Context
	items []streamItem
}

func (r *mockReceiver) Recv() ([]byte, error) {
	if len(r.items) == 0 {
		<-r.ctx.Done()
		return nil, io.EOF
	}
	it := r.items[0]
	r.items = r.items[1:]
	return it.payload, it.err
}

type recordingBus struct {
	*signal.MemoryBus
	mu    sync.Mutex
	kinds []signal.Kind
}

func newRecordingBus() *recordingBus {
	b := &recordingBus{MemoryBus: signal.NewMemoryBus()}
	for _, k := range []signal.Kind{signal.ConnectivityRestored, signal.ConnectivityDegraded} {
		b.Subscribe(k, func(s signal.Signal) {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.kinds = append(b.kinds, s.Kind)
		})
	}
	return b
}

func (b *recordingBus) seen() []signal.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]signal.Kind(nil), b.kinds...)
}

// =============================================================================
// Tests
// =============================================================================

func TestDispatcher_SingleCall(t *testing.T) {
	tr := &mockTransport{unaryResp: []byte("ok")}
	bus := newRecordingBus()
	d := NewDispatcher(tr, bus, nil)
	d.SetIdentity(Identity{AppInstanceID: "app-1", DeviceID: "dev-1", Locale: "en"})

	req := domain.NewServiceRequest(domain.KindSendMessage, domain.FlowSingle, []byte("hi"))
	f, err := d.Invoke(context.Background(), req, ConnectivityContext{ConnectionID: 42})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	call, ok := f.(flow.SingleCall)
	if !ok {
		t.Fatalf("Invoke() flow = %T, want SingleCall", f)
	}
	got, err := call.Await(context.Background())
	if err != nil || string(got) != "ok" {
		t.Errorf("Await() = %q, %v", got, err)
	}

	if tr.lastPath != "/"+DefaultService+"/SendMessage" {
		t.Errorf("method = %s", tr.lastPath)
	}
	checks := map[string]string{
		MetaAppInstanceID:  "app-1",
		MetaDeviceID:       "dev-1",
		MetaLocale:         "en",
		MetaConnectionID:   "42",
		MetaRequestID:      req.RequestID,
		MetaIdempotencyKey: req.Context.IdempotencyKey,
		MetaAttempt:        "1",
	}
	for k, want := range checks {
		if tr.lastMD[k] != want {
			t.Errorf("metadata[%s] = %q, want %q", k, tr.lastMD[k], want)
		}
	}

	if seen := bus.seen(); len(seen) != 1 || seen[0] != signal.ConnectivityRestored {
		t.Errorf("signals = %v, want [connectivity_restored]", seen)
	}
}

func TestDispatcher_RetriedAttemptKeepsIdempotencyKey(t *testing.T) {
	tr := &mockTransport{unaryResp: []byte("ok")}
	d := NewDispatcher(tr, nil, nil)

	first := domain.NewServiceRequest(domain.KindSendMessage, domain.FlowSingle, nil)
	next := first.CreateNextAttempt()
	if _, err := d.Invoke(context.Background(), next, ConnectivityContext{}); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	if tr.lastMD[MetaIdempotencyKey] != first.Context.IdempotencyKey {
		t.Error("idempotency key changed between attempts")
	}
	if tr.lastMD[MetaRequestID] == first.RequestID {
		t.Error("request id reused between attempts")
	}
	if tr.lastMD[MetaAttempt] != "2" {
		t.Errorf("attempt = %s, want 2", tr.lastMD[MetaAttempt])
	}
}

func TestDispatcher_FailureSignals(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantKind    domain.FailureKind
		wantSignals int
	}{
		{"unavailable", status.Error(codes.Unavailable, "down"), domain.FailureDataCenterNotResponding, 1},
		{"state mismatch", status.Error(codes.FailedPrecondition, "session state mismatch"), domain.FailureProtocolStateMismatch, 0},
		{"cancelled", status.Error(codes.Canceled, "stop"), domain.FailureOperationCancelled, 0},
	}

	for _, tt := range tests {
		bus := newRecordingBus()
		d := NewDispatcher(&mockTransport{unaryErr: tt.err}, bus, nil)

		req := domain.NewServiceRequest(domain.KindSendMessage, domain.FlowSingle, nil)
		_, err := d.Invoke(context.Background(), req, ConnectivityContext{ConnectionID: 1})

		var f *domain.NetworkFailure
		if !errors.As(err, &f) || f.Kind != tt.wantKind {
			t.Errorf("%s: error = %v, want kind %s", tt.name, err, tt.wantKind)
		}
		seen := bus.seen()
		if len(seen) != tt.wantSignals {
			t.Errorf("%s: signals = %v, want %d", tt.name, seen, tt.wantSignals)
		}
		if tt.wantSignals == 1 && seen[0] != signal.ConnectivityDegraded {
			t.Errorf("%s: signal = %s, want degraded", tt.name, seen[0])
		}
	}
}

func TestDispatcher_RejectsFlowMismatch(t *testing.T) {
	d := NewDispatcher(&mockTransport{}, nil, nil)

	req := domain.NewServiceRequest(domain.KindSubscribeUpdates, domain.FlowSingle, nil)
	_, err := d.Invoke(context.Background(), req, ConnectivityContext{})

	var f *domain.NetworkFailure
	if !errors.As(err, &f) || f.Kind != domain.FailureInvalidRequest {
		t.Errorf("Invoke() error = %v, want invalid request", err)
	}
}

func TestDispatcher_InboundStream(t *testing.T) {
	tr := &mockTransport{items: []streamItem{
		{payload: []byte("1")},
		{err: status.Error(codes.Unavailable, "blip")},
		{payload: []byte("2")},
		{err: status.Error(codes.InvalidArgument, "broken")},
		{payload: []byte("never")},
	}}
	d := NewDispatcher(tr, nil, nil)

	req := domain.NewServiceRequest(domain.KindSubscribeUpdates, domain.FlowReceiveStream, nil)
	f, err := d.Invoke(context.Background(), req, ConnectivityContext{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	stream, ok := f.(flow.InboundStream)
	if !ok {
		t.Fatalf("flow = %T, want InboundStream", f)
	}

	var values []string
	var failures []domain.FailureKind
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = stream.Each(ctx, func(r flow.Result[[]byte]) error {
		if r.Err != nil {
			failures = append(failures, domain.AsFailure(r.Err).Kind)
			return nil
		}
		values = append(values, string(r.Value))
		return nil
	})
	if err != nil {
		t.Fatalf("Each() error = %v", err)
	}

	if len(values) != 2 || values[0] != "1" || values[1] != "2" {
		t.Errorf("values = %v, want [1 2]", values)
	}
	if len(failures) != 2 || failures[1] != domain.FailureInvalidRequest {
		t.Errorf("failures = %v", failures)
	}
}

func TestDispatcher_StreamEndsAfterRepeatedFailures(t *testing.T) {
	blip := status.Error(codes.Unavailable, "blip")
	tr := &mockTransport{items: []streamItem{{err: blip}, {err: blip}, {err: blip}, {payload: []byte("late")}}}
	d := NewDispatcher(tr, nil, nil)

	req := domain.NewServiceRequest(domain.KindVerifyOTP, domain.FlowReceiveStream, nil)
	f, err := d.Invoke(context.Background(), req, ConnectivityContext{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	count := 0
	for r := range f.(flow.InboundStream).Items {
		if r.Err == nil {
			t.Errorf("unexpected value %q", r.Value)
		}
		count++
	}
	if count != maxConsecutiveItemErrors {
		t.Errorf("items = %d, want %d", count, maxConsecutiveItemErrors)
	}
}

func TestRegistry_CoversAllKinds(t *testing.T) {
	r := NewRegistry(DefaultService)
	for _, k := range domain.AllOperationKinds {
		h, ok := r.Lookup(k)
		if !ok {
			t.Errorf("no handler for %s", k)
			continue
		}
		if h.Flow() != k.Flow() {
			t.Errorf("%s handler flow = %s, want %s", k, h.Flow(), k.Flow())
		}
	}
}

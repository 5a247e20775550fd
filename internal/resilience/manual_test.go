package resilience

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/vietddude/securelink/internal/infra/signal"
)

func TestManualRetry_RestoresExhausted(t *testing.T) {
	e, _, rec := newTestEngine(t, nil)
	op := &scriptedOp{always: transient()}
	exhaustOne(t, e, "send", 5, op)
	before := op.count()

	op.setAlways(nil)
	if !e.ManualRetry(context.Background()) {
		t.Fatal("ManualRetry() = false, want true")
	}
	if op.count() != before+1 {
		t.Errorf("continuation calls = %d, want exactly one more than %d", op.count(), before)
	}
	if n := len(e.Operations()); n != 0 {
		t.Errorf("tracked = %d, want 0", n)
	}

	last := rec.last()
	if last.Kind != signal.ConnectivityRestored || last.Source != signal.SourceManualRetry {
		t.Errorf("last signal = %+v, want restored from manual-retry", last)
	}
}

func TestManualRetry_AllFailReRaisesExhausted(t *testing.T) {
	e, _, rec := newTestEngine(t, nil)
	op := &scriptedOp{always: transient()}
	exhaustOne(t, e, "send", 5, op)

	if e.ManualRetry(context.Background()) {
		t.Fatal("ManualRetry() = true, want false")
	}

	ops := e.Operations()
	if len(ops) != 1 || !ops[0].Exhausted {
		t.Fatalf("Operations() = %+v, want one exhausted", ops)
	}
	if ops[0].RetryCount != 0 {
		t.Errorf("RetryCount = %d, want reset to 0", ops[0].RetryCount)
	}

	kinds := rec.kinds()
	if kinds[len(kinds)-1] != signal.RetriesExhausted {
		t.Errorf("signals = %v, want trailing retries_exhausted", kinds)
	}
	if last := rec.last(); last.Source != signal.SourceManualRetry {
		t.Errorf("source = %q, want manual-retry", last.Source)
	}
}

func TestManualRetry_LeavesRetryingUntouched(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	release := make(chan struct{})
	var slowCalls atomic.Int32
	slow := func(ctx context.Context) (int, error) {
		if slowCalls.Add(1) == 1 {
			return 0, transient()
		}
		<-release
		return 1, nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = Execute(context.Background(), e, slow, Options{Name: "slow", ConnectionID: 1, MaxRetries: 3})
	}()
	waitFor(t, func() bool { return slowCalls.Load() >= 2 })

	exhausted := &scriptedOp{always: transient()}
	exhaustOne(t, e, "fast", 2, exhausted)
	exhausted.setAlways(nil)

	var slowBefore OperationInfo
	for _, info := range e.Operations() {
		if info.Name == "slow" {
			slowBefore = info
		}
	}

	if !e.ManualRetry(context.Background()) {
		t.Fatal("ManualRetry() = false, want true")
	}

	if got := slowCalls.Load(); got != 2 {
		t.Errorf("retrying operation invoked %d times, want 2", got)
	}
	ops := e.Operations()
	if len(ops) != 1 || ops[0].Name != "slow" {
		t.Fatalf("Operations() = %+v, want only slow", ops)
	}
	if ops[0].RetryCount != slowBefore.RetryCount || ops[0].Exhausted {
		t.Errorf("slow = %+v, want unchanged %+v", ops[0], slowBefore)
	}

	close(release)
	<-done
}

func TestManualRetry_ViaBus(t *testing.T) {
	e, bus, rec := newTestEngine(t, nil)
	op := &scriptedOp{always: transient()}
	exhaustOne(t, e, "send", 5, op)
	op.setAlways(nil)

	bus.Publish(signal.Signal{Kind: signal.ManualRetryRequested, Source: signal.SourceRemote})

	waitFor(t, func() bool { return rec.last().Kind == signal.ConnectivityRestored })
	if e.HasExhaustedOperations() {
		t.Error("HasExhaustedOperations() = true after manual retry")
	}
}

func TestManualRetry_NothingExhausted(t *testing.T) {
	e, _, rec := newTestEngine(t, nil)
	if e.ManualRetry(context.Background()) {
		t.Error("ManualRetry() = true with empty table")
	}
	if len(rec.kinds()) != 0 {
		t.Errorf("signals = %v, want none", rec.kinds())
	}
}

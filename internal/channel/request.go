package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vietddude/securelink/internal/core/domain"
	"github.com/vietddude/securelink/internal/infra/rpc"
	"github.com/vietddude/securelink/internal/infra/rpc/flow"
	"github.com/vietddude/securelink/internal/infra/rpc/routing"
	"github.com/vietddude/securelink/internal/resilience"
)

// RequestOption tunes one ExecuteRequest call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	maxRetries int
	deferral   bool
	persistent bool
	priority   domain.Priority
}

// WithMaxRetries overrides the configured retry count.
func WithMaxRetries(n int) RequestOption {
	return func(o *requestOptions) { o.maxRetries = max(n, 0) }
}

// WithDeferral hands the request to the operation queue when its retries
// run out or manual retry is pending.
func WithDeferral(p domain.Priority) RequestOption {
	return func(o *requestOptions) {
		o.deferral = true
		o.priority = p
	}
}

// WithPersistentDeferral is WithDeferral with the request journaled so it
// survives a restart. The journal holds the plaintext, since an envelope
// sealed before the restart cannot be opened once the chain moves on.
func WithPersistentDeferral(p domain.Priority) RequestOption {
	return func(o *requestOptions) {
		o.deferral = true
		o.persistent = true
		o.priority = p
	}
}

// ExecuteRequest encrypts plaintext, sends it as kind and passes every
// decrypted response to onDecrypted. Requests on one connection are sealed
// and sent in order: unary requests hold the request lock until their
// response arrives, streams until the stream is open. Transient failures are
// retried; desynchronized sessions are recovered and the payload
// re-encrypted before the next attempt.
func (m *Manager) ExecuteRequest(
	ctx context.Context,
	id uint32,
	kind domain.OperationKind,
	plaintext []byte,
	flowType domain.FlowType,
	onDecrypted func([]byte) error,
	opts ...RequestOption,
) error {
	o := requestOptions{maxRetries: m.cfg.MaxRetries}
	for _, opt := range opts {
		opt(&o)
	}

	if kind.Flow() != flowType {
		return domain.InvalidRequest(fmt.Sprintf("%s is served as %s, not %s", kind, kind.Flow(), flowType))
	}
	c, err := m.conn(id)
	if err != nil {
		return err
	}

	err = m.executeWithRetry(ctx, c, kind, plaintext, flowType, onDecrypted, o)
	if err == nil {
		return nil
	}

	if f := domain.AsFailure(err); f.Kind == domain.FailureCriticalAuthenticationFailure {
		m.checkpoint(ctx, c, CheckpointCriticalError)
	}
	if o.deferral && m.deferrer != nil &&
		(errors.Is(err, domain.ErrRetriesExhausted) || errors.Is(err, domain.ErrManualRetryRequired)) {
		return m.deferRequest(ctx, c, kind, plaintext, flowType, onDecrypted, o, err)
	}
	return err
}

// executeWithRetry runs the request under the retry policy. A failed or missing
// session is recovered first; failures that need recovery, protocol state
// mismatches included, are recovered inline so the next attempt is sealed
// under the repaired session.
func (m *Manager) executeWithRetry(
	ctx context.Context,
	c *connection,
	kind domain.OperationKind,
	plaintext []byte,
	flowType domain.FlowType,
	onDecrypted func([]byte) error,
	o requestOptions,
) error {
	if s := m.currentState(c); s == StateFailed || !c.hasSession() {
		if err := m.recoverFrom(ctx, c, c.gen(), m.lastError(c)); err != nil {
			return err
		}
	}

	sealer := &sealer{c: c, plaintext: plaintext}
	seq := newAttemptSeq(domain.NewServiceRequest(kind, flowType, nil))

	_, err := resilience.Execute(ctx, m.engine, func(ctx context.Context) (struct{}, error) {
		// The lock is taken per attempt so that a manual retry re-sending
		// this request is ordered against new requests too.
		c.requestMu.Lock()
		release := sync.OnceFunc(c.requestMu.Unlock)
		defer release()
		// The attempt may have timed out while waiting for the lock.
		if err := ctx.Err(); err != nil {
			return struct{}{}, err
		}
		opened := func() {}
		if flowType != domain.FlowSingle {
			opened = release
		}

		body, gen, fresh, err := sealer.seal()
		if err != nil {
			return struct{}{}, domain.NotResponding("connection unavailable", err)
		}
		if fresh {
			m.checkpoint(ctx, c, CheckpointMessageSent)
		}

		err = m.dispatch(ctx, c, seq.nextWithPayload(body), onDecrypted, opened)
		if err != nil && routing.IsTransient(err) && routing.RequiresRecovery(err) {
			release()
			if routing.IsProtocolStateMismatch(err) {
				m.log.Warn("Server rejected session state, recovering", "connection", c.id, "operation", kind, "error", err)
				m.fail(c, err)
			} else {
				m.markOutcome(c, err)
			}
			if rerr := m.recoverFrom(ctx, c, gen, err); rerr != nil {
				m.log.Warn("Inline recovery failed", "connection", c.id, "operation", kind, "error", rerr)
			}
		}
		return struct{}{}, err
	}, resilience.Options{
		Name:           kind.String(),
		ConnectionID:   c.id,
		MaxRetries:     o.maxRetries,
		SelfRecovering: true,
		HandOff:        o.deferral && m.deferrer != nil,
	})

	m.markOutcome(c, err)
	return err
}

// sealer encrypts the payload for a request's attempts. The envelope is
// reused while it is still the newest one sealed on the connection under the
// same session; otherwise the peer's receive chain may already be past it.
type sealer struct {
	c         *connection
	plaintext []byte

	mu      sync.Mutex
	payload []byte
	gen     uint64
	seq     uint64
}

func (s *sealer) seal() (body []byte, gen uint64, fresh bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.c.withSession(func(sess Session) error {
		gen = s.c.generation
		if s.payload != nil && gen == s.gen && s.c.sealed == s.seq {
			return nil
		}
		out, err := sess.ProduceOutbound(s.plaintext)
		if err != nil {
			return err
		}
		s.c.sealed++
		s.payload, s.gen, s.seq, fresh = out, gen, s.c.sealed, true
		return nil
	})
	if err != nil {
		return nil, 0, false, err
	}
	return s.payload, s.gen, fresh, nil
}

// dispatch sends req and consumes its responses. opened is called once the
// call is in flight and before any response is read.
func (m *Manager) dispatch(
	ctx context.Context,
	c *connection,
	req domain.ServiceRequest,
	onDecrypted func([]byte) error,
	opened func(),
) error {
	f, err := m.invoker.Invoke(ctx, req, rpc.ConnectivityContext{ConnectionID: c.id, Exchange: c.exchange})
	opened()
	if err != nil {
		return err
	}

	switch fl := f.(type) {
	case flow.SingleCall:
		resp, err := fl.Await(ctx)
		if err != nil {
			return err
		}
		return m.deliver(ctx, c, resp, onDecrypted)
	case flow.InboundStream:
		return m.consume(ctx, c, req.Kind, fl, onDecrypted)
	case flow.BidirectionalStream:
		_ = fl.Outbound.Close()
		return m.consume(ctx, c, req.Kind, fl.Inbound, onDecrypted)
	default:
		return domain.InvalidRequest(fmt.Sprintf("unsupported flow %T for %s", f, req.Kind))
	}
}

func (m *Manager) deliver(ctx context.Context, c *connection, ciphertext []byte, onDecrypted func([]byte) error) error {
	plain, err := m.open(c, ciphertext)
	if err != nil {
		return domain.NotResponding("decryption failed", err)
	}
	m.checkpoint(ctx, c, CheckpointMessageReceived)

	if onDecrypted == nil {
		return nil
	}
	if err := onDecrypted(plain); err != nil {
		return domain.WrapFailure(domain.FailureInvalidRequest, "response handler failed", err)
	}
	return nil
}

// consume delivers stream items in order. Failed and undecryptable items
// are skipped. A stream that fails before yielding any item returns that
// failure so it can be retried; once items arrived the stream never fails,
// since a retry would replay them.
func (m *Manager) consume(
	ctx context.Context,
	c *connection,
	kind domain.OperationKind,
	s flow.InboundStream,
	onDecrypted func([]byte) error,
) error {
	var (
		last     error
		received int
	)
	err := s.Each(ctx, func(item flow.Result[[]byte]) error {
		if item.Err != nil {
			last = item.Err
			m.log.Warn("Stream item failed", "connection", c.id, "operation", kind, "error", item.Err)
			return nil
		}
		last = nil
		received++

		plain, err := m.open(c, item.Value)
		if err != nil {
			m.log.Warn("Skipping undecryptable stream item", "connection", c.id, "operation", kind, "error", err)
			return nil
		}
		m.checkpoint(ctx, c, CheckpointMessageReceived)

		if onDecrypted == nil {
			return nil
		}
		if err := onDecrypted(plain); err != nil {
			return domain.WrapFailure(domain.FailureInvalidRequest, "response handler failed", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if last != nil && received > 0 {
		m.log.Warn("Stream ended with failure",
			"connection", c.id,
			"operation", kind,
			"items", received,
			"error", last,
		)
		return nil
	}
	return last
}

func (m *Manager) open(c *connection, ciphertext []byte) ([]byte, error) {
	var plain []byte
	err := c.withSession(func(s Session) error {
		var err error
		plain, err = s.ProcessInbound(ciphertext)
		return err
	})
	return plain, err
}

// attemptSeq hands out successive attempts of one logical request.
type attemptSeq struct {
	mu      sync.Mutex
	req     domain.ServiceRequest
	started bool
}

func newAttemptSeq(req domain.ServiceRequest) *attemptSeq {
	return &attemptSeq{req: req}
}

func (a *attemptSeq) next() domain.ServiceRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		a.req = a.req.CreateNextAttempt()
	}
	a.started = true
	return a.req
}

func (a *attemptSeq) nextWithPayload(payload []byte) domain.ServiceRequest {
	req := a.next()
	req.Payload = payload
	return req
}

package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/securelink/internal/core/domain"
	"github.com/vietddude/securelink/internal/infra/rpc"
	"github.com/vietddude/securelink/internal/infra/rpc/flow"
	"github.com/vietddude/securelink/internal/infra/storage"
	"github.com/vietddude/securelink/internal/resilience"
)

// CheckpointReason names why a snapshot was written.
type CheckpointReason string

const (
	CheckpointEstablished     CheckpointReason = "established"
	CheckpointResumed         CheckpointReason = "resumed"
	CheckpointResynced        CheckpointReason = "resynced"
	CheckpointMessageSent     CheckpointReason = "message_sent"
	CheckpointMessageReceived CheckpointReason = "message_received"
	CheckpointRatchetStep     CheckpointReason = "ratchet_step"
	CheckpointCriticalError   CheckpointReason = "critical_error"
)

// Initiate creates a fresh session for the connection derived from settings
// and exchange, retiring any previous session for that id.
func (m *Manager) Initiate(settings domain.InstanceSettings, exchange domain.ExchangeType) (uint32, error) {
	if settings.AppInstanceID == "" || settings.DeviceID == "" {
		return 0, domain.InvalidRequest("instance settings need app instance and device ids")
	}
	if exchange == "" {
		exchange = m.cfg.Exchange
	}

	id := domain.ConnectionID(settings.AppInstanceID, settings.DeviceID, exchange)
	sess, err := m.factory.NewSession(settings, id, m.cfg.OneTimeKeys)
	if err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}

	c := m.getOrCreate(id, settings, exchange)
	c.swap(sess)
	m.reset(c, "initiate")
	m.primeIdentity(settings)

	m.log.Info("Channel initiated", "connection", id, "exchange", exchange)
	return id, nil
}

// Establish runs the key exchange for an initiated connection and persists
// the resulting snapshot.
func (m *Manager) Establish(ctx context.Context, id uint32) (domain.ChannelState, error) {
	c, err := m.conn(id)
	if err != nil {
		return domain.ChannelState{}, err
	}
	if err := m.transition(c, StateEstablishing, "establish"); err != nil {
		return domain.ChannelState{}, err
	}

	state, err := m.establish(ctx, c)
	if err != nil {
		m.fail(c, err)
		return domain.ChannelState{}, err
	}
	return state, nil
}

func (m *Manager) establish(ctx context.Context, c *connection) (domain.ChannelState, error) {
	var hs []byte
	err := c.withSession(func(s Session) error {
		var err error
		hs, err = s.BeginHandshake()
		return err
	})
	if err != nil {
		return domain.ChannelState{}, fmt.Errorf("failed to begin handshake: %w", err)
	}

	payload := EstablishRequest{ConnectionID: c.id, Handshake: hs}.Marshal()
	resp, err := m.call(ctx, c, domain.KindEstablishChannel, payload)
	if err != nil {
		return domain.ChannelState{}, err
	}

	er, err := UnmarshalEstablishResponse(resp)
	if err != nil {
		return domain.ChannelState{}, fmt.Errorf("failed to decode establish response: %w", err)
	}

	err = c.withSession(func(s Session) error {
		if err := s.CompleteHandshake(er.Handshake); err != nil {
			return err
		}
		c.peerHandshake = er.Handshake
		c.generation++
		return nil
	})
	if err != nil {
		return domain.ChannelState{}, fmt.Errorf("failed to complete handshake: %w", err)
	}

	state, err := m.persist(ctx, c)
	if err != nil {
		return domain.ChannelState{}, err
	}
	if err := m.transition(c, StateEstablished, "handshake complete"); err != nil {
		return domain.ChannelState{}, err
	}

	m.log.Info("Channel established", "connection", c.id)
	return state, nil
}

// Restore asks the server to resume a persisted session. It returns false
// when the server declined, in which case the caller must Initiate and
// Establish a new channel.
func (m *Manager) Restore(ctx context.Context, state domain.ChannelState, settings domain.InstanceSettings) (bool, error) {
	if state.IsZero() {
		return false, domain.InvalidRequest("channel state carries no session material")
	}

	c := m.getOrCreate(state.ConnectionID, settings, "")
	m.primeIdentity(settings)
	if err := m.transition(c, StateRestoring, "restore"); err != nil {
		return false, err
	}

	resumed, err := m.restore(ctx, c, state)
	if err != nil {
		m.fail(c, err)
		return false, err
	}
	if !resumed {
		m.fail(c, domain.ErrSessionNotResumed)
		m.log.Info("Server declined session resume", "connection", c.id)
		return false, nil
	}
	return true, nil
}

func (m *Manager) restore(ctx context.Context, c *connection, state domain.ChannelState) (bool, error) {
	sess, err := m.factory.FromState(state)
	if err != nil {
		return false, fmt.Errorf("failed to rebuild session: %w", err)
	}

	send, recv := sess.ChainLengths()
	payload := RestoreRequest{ConnectionID: c.id, Sent: send, Received: recv}.Marshal()

	resp, err := m.call(ctx, c, domain.KindRestoreChannel, payload)
	if err != nil {
		_ = sess.Close()
		return false, err
	}
	rr, err := UnmarshalRestoreResponse(resp)
	if err != nil {
		_ = sess.Close()
		return false, fmt.Errorf("failed to decode restore response: %w", err)
	}
	if !rr.Resumed {
		_ = sess.Close()
		return false, nil
	}

	if err := sess.SyncWithRemote(rr.ServerReceived, rr.ServerSent); err != nil {
		_ = sess.Close()
		return false, fmt.Errorf("failed to sync chains: %w", err)
	}

	c.swap(sess)
	c.cryptoMu.Lock()
	c.peerHandshake = state.PeerHandshake
	c.cryptoMu.Unlock()

	if _, err := m.persist(ctx, c); err != nil {
		return false, err
	}
	if err := m.transition(c, StateEstablished, "session resumed"); err != nil {
		return false, err
	}

	m.log.Info("Channel restored",
		"connection", c.id,
		"server_sent", rr.ServerSent,
		"server_received", rr.ServerReceived,
	)
	return true, nil
}

// Resync realigns the chain lengths of a live session with the server.
func (m *Manager) Resync(ctx context.Context, id uint32) error {
	c, err := m.conn(id)
	if err != nil {
		return err
	}
	if err := m.transition(c, StateResyncing, "resync"); err != nil {
		return err
	}
	if err := m.resync(ctx, c); err != nil {
		m.fail(c, err)
		return err
	}
	return nil
}

func (m *Manager) resync(ctx context.Context, c *connection) error {
	var send, recv uint32
	err := c.withSession(func(s Session) error {
		send, recv = s.ChainLengths()
		return nil
	})
	if err != nil {
		return err
	}

	payload := RestoreRequest{ConnectionID: c.id, Sent: send, Received: recv, Resync: true}.Marshal()
	resp, err := m.call(ctx, c, domain.KindRestoreChannel, payload)
	if err != nil {
		return err
	}
	rr, err := UnmarshalRestoreResponse(resp)
	if err != nil {
		return fmt.Errorf("failed to decode resync response: %w", err)
	}
	if !rr.Resumed {
		return fmt.Errorf("connection %d: %w", c.id, domain.ErrSessionNotResumed)
	}

	err = c.withSession(func(s Session) error {
		if err := s.SyncWithRemote(rr.ServerReceived, rr.ServerSent); err != nil {
			return err
		}
		c.generation++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sync chains: %w", err)
	}

	if _, err := m.persist(ctx, c); err != nil {
		return err
	}
	if err := m.transition(c, StateEstablished, "chains resynchronized"); err != nil {
		return err
	}

	m.log.Info("Channel resynchronized", "connection", c.id, "sent", send, "received", recv)
	return nil
}

// Clear disposes the session, forgets the connection, deletes its snapshot
// and drops its deferred operations.
func (m *Manager) Clear(ctx context.Context, id uint32) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if ok {
		c.swap(nil)
	}
	if m.deferrer != nil {
		m.deferrer.ClearConnectionQueue(ctx, id)
	}
	if err := m.store.Delete(ctx, domain.ConnectionKey(id)); err != nil {
		return fmt.Errorf("failed to delete channel state: %w", err)
	}

	m.log.Info("Channel cleared", "connection", id)
	return nil
}

// Checkpoint persists the current snapshot of a connection.
func (m *Manager) Checkpoint(ctx context.Context, id uint32, reason CheckpointReason) error {
	c, err := m.conn(id)
	if err != nil {
		return err
	}
	if _, err := m.persist(ctx, c); err != nil {
		return err
	}
	m.log.Debug("Channel checkpoint", "connection", id, "reason", reason)
	return nil
}

func (m *Manager) checkpoint(ctx context.Context, c *connection, reason CheckpointReason) {
	if _, err := m.persist(ctx, c); err != nil {
		m.log.Warn("Checkpoint failed", "connection", c.id, "reason", reason, "error", err)
	}
}

func (m *Manager) persist(ctx context.Context, c *connection) (domain.ChannelState, error) {
	state := domain.ChannelState{ConnectionID: c.id, UpdatedAt: time.Now()}
	err := c.withSession(func(s Session) error {
		var err error
		state.IdentityKeys, state.RatchetState, err = s.ToState()
		state.PeerHandshake = c.peerHandshake
		return err
	})
	if err != nil {
		return domain.ChannelState{}, fmt.Errorf("failed to serialize session: %w", err)
	}

	if err := m.store.Set(ctx, state.Key(), EncodeState(state)); err != nil {
		return domain.ChannelState{}, fmt.Errorf("failed to persist channel state: %w", err)
	}
	return state, nil
}

// LoadState reads the persisted snapshot of a connection.
func (m *Manager) LoadState(ctx context.Context, id uint32) (domain.ChannelState, error) {
	return LoadState(ctx, m.store, id)
}

// LoadState reads the persisted snapshot of a connection from store.
func LoadState(ctx context.Context, store storage.Store, id uint32) (domain.ChannelState, error) {
	data, err := store.Get(ctx, domain.ConnectionKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.ChannelState{}, fmt.Errorf("connection %d: %w", id, domain.ErrConnectionNotFound)
		}
		return domain.ChannelState{}, err
	}
	return DecodeState(data)
}

// PersistedStates lists every snapshot in store. Keys that are not
// connection ids are ignored.
func PersistedStates(ctx context.Context, store storage.Store) ([]domain.ChannelState, error) {
	entries, err := store.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var out []domain.ChannelState
	for _, e := range entries {
		if _, err := domain.ParseConnectionKey(e.Key); err != nil {
			continue
		}
		s, err := DecodeState(e.Value)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", e.Key, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// call runs one unary exchange under the retry policy. Retried attempts
// keep the idempotency key.
func (m *Manager) call(ctx context.Context, c *connection, kind domain.OperationKind, payload []byte) ([]byte, error) {
	seq := newAttemptSeq(domain.NewServiceRequest(kind, domain.FlowSingle, payload))
	return resilience.Execute(ctx, m.engine, func(ctx context.Context) ([]byte, error) {
		return m.unary(ctx, c, seq.next())
	}, resilience.Options{
		Name:           kind.String(),
		ConnectionID:   c.id,
		MaxRetries:     m.cfg.MaxRetries,
		SelfRecovering: true,
	})
}

func (m *Manager) unary(ctx context.Context, c *connection, req domain.ServiceRequest) ([]byte, error) {
	f, err := m.invoker.Invoke(ctx, req, rpc.ConnectivityContext{ConnectionID: c.id, Exchange: c.exchange})
	if err != nil {
		return nil, err
	}
	call, ok := f.(flow.SingleCall)
	if !ok {
		return nil, domain.InvalidRequest(fmt.Sprintf("operation %s returned %T, want single call", req.Kind, f))
	}
	return call.Await(ctx)
}

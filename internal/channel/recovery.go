package channel

import (
	"context"
	"errors"

	"github.com/vietddude/securelink/internal/core/domain"
	"github.com/vietddude/securelink/internal/infra/rpc/routing"
	"github.com/vietddude/securelink/internal/metrics"
)

// Recovery paths reported in metrics and logs.
const (
	pathResync    = "resync"
	pathRestore   = "restore"
	pathReconnect = "reconnect"
)

// Recover repairs the channel of a connection. Concurrent calls for the same
// connection share one recovery. It matches resilience.RecoveryFunc.
func (m *Manager) Recover(ctx context.Context, id uint32) error {
	c, err := m.conn(id)
	if err != nil {
		return err
	}
	return m.recoverFrom(ctx, c, c.gen(), m.lastError(c))
}

// recoverFrom recovers c unless its session moved past gen, which means
// another caller already repaired it.
func (m *Manager) recoverFrom(ctx context.Context, c *connection, gen uint64, cause error) error {
	ch := m.recoveries.DoChan(domain.ConnectionKey(c.id), func() (any, error) {
		if c.gen() != gen {
			return nil, nil
		}
		return nil, m.recover(context.WithoutCancel(ctx), c, cause)
	})

	select {
	case <-ctx.Done():
		return domain.Cancelled(ctx.Err())
	case r := <-ch:
		return r.Err
	}
}

func (m *Manager) recover(ctx context.Context, c *connection, cause error) error {
	if m.currentState(c).IsUsable() {
		m.fail(c, cause)
	}
	m.log.Info("Recovering channel", "connection", c.id, "cause", cause)

	if c.hasSession() && routing.IsChainRotationMismatch(cause) {
		if err := m.transition(c, StateResyncing, "recover"); err == nil {
			err := m.resync(ctx, c)
			m.recordRecovery(c, pathResync, err)
			if err == nil {
				return nil
			}
			m.fail(c, err)
		}
	}

	state, err := m.LoadState(ctx, c.id)
	switch {
	case err == nil:
		if err := m.transition(c, StateRestoring, "recover"); err == nil {
			resumed, err := m.restore(ctx, c, state)
			if err == nil && !resumed {
				err = domain.ErrSessionNotResumed
			}
			m.recordRecovery(c, pathRestore, err)
			if err == nil {
				return nil
			}
			m.fail(c, err)
		}
	case !errors.Is(err, domain.ErrConnectionNotFound):
		m.log.Warn("Failed to load channel state", "connection", c.id, "error", err)
	}

	err = m.reconnect(ctx, c)
	m.recordRecovery(c, pathReconnect, err)
	if err != nil {
		m.fail(c, err)
	}
	return err
}

// reconnect discards the snapshot and runs a fresh key exchange.
func (m *Manager) reconnect(ctx context.Context, c *connection) error {
	if err := m.store.Delete(ctx, domain.ConnectionKey(c.id)); err != nil {
		m.log.Warn("Failed to delete stale channel state", "connection", c.id, "error", err)
	}

	m.mu.RLock()
	settings := c.settings
	m.mu.RUnlock()

	sess, err := m.factory.NewSession(settings, c.id, m.cfg.OneTimeKeys)
	if err != nil {
		return err
	}
	c.swap(sess)

	if err := m.transition(c, StateEstablishing, "recover"); err != nil {
		return err
	}
	_, err = m.establish(ctx, c)
	return err
}

func (m *Manager) recordRecovery(c *connection, path string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
		m.log.Warn("Channel recovery failed", "connection", c.id, "path", path, "error", err)
	} else {
		m.log.Info("Channel recovered", "connection", c.id, "path", path)
	}
	metrics.RecoveriesTotal.WithLabelValues(path, result).Inc()
}

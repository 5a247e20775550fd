package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vietddude/securelink/internal/core/domain"
	"github.com/vietddude/securelink/internal/infra/rpc"
	"github.com/vietddude/securelink/internal/infra/storage"
	"github.com/vietddude/securelink/internal/metrics"
	"github.com/vietddude/securelink/internal/resilience"
)

// ErrNoSession is returned when a connection has no live session.
var ErrNoSession = errors.New("connection has no live session")

const maxHistory = 16

// Config controls session creation and request retries.
type Config struct {
	Exchange    domain.ExchangeType `yaml:"exchange"`
	OneTimeKeys int                 `yaml:"one_time_keys"`
	MaxRetries  int                 `yaml:"max_retries"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Exchange:    domain.ExchangeDataCenterEphemeralConnect,
		OneTimeKeys: 100,
		MaxRetries:  3,
	}
}

// IdentitySetter receives the instance identity attached to outgoing calls.
type IdentitySetter interface {
	SetIdentity(id rpc.Identity)
}

// Deferrer takes over requests that exhausted their retries.
type Deferrer interface {
	Enqueue(ctx context.Context, op *domain.QueuedOperation) (string, error)
	ClearConnectionQueue(ctx context.Context, connectionID uint32) int
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdentitySetter primes transport metadata on Initiate and Restore.
func WithIdentitySetter(s IdentitySetter) Option {
	return func(m *Manager) { m.identity = s }
}

// WithDeferrer enables WithDeferral requests.
func WithDeferrer(d Deferrer) Option {
	return func(m *Manager) { m.deferrer = d }
}

// WithStateCallback registers fn for every state change.
func WithStateCallback(fn func(connectionID uint32, t Transition)) Option {
	return func(m *Manager) { m.onChange = fn }
}

type connection struct {
	id       uint32
	settings domain.InstanceSettings
	exchange domain.ExchangeType

	// requestMu orders seal and send across requests on this connection.
	requestMu sync.Mutex

	// cryptoMu guards session, generation, sealed and peerHandshake.
	cryptoMu      sync.Mutex
	session       Session
	generation    uint64
	sealed        uint64 // envelopes produced on this connection
	peerHandshake []byte

	// Guarded by Manager.mu.
	state   State
	lastErr error
	history []Transition
}

func (c *connection) withSession(fn func(Session) error) error {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	if c.session == nil {
		return ErrNoSession
	}
	return fn(c.session)
}

// swap installs s as the live session, closing the previous one.
func (c *connection) swap(s Session) {
	c.cryptoMu.Lock()
	old := c.session
	c.session = s
	c.generation++
	c.cryptoMu.Unlock()

	if old != nil && old != s {
		_ = old.Close()
	}
}

func (c *connection) bump() {
	c.cryptoMu.Lock()
	c.generation++
	c.cryptoMu.Unlock()
}

func (c *connection) gen() uint64 {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	return c.generation
}

func (c *connection) hasSession() bool {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	return c.session != nil
}

// Manager owns one live session per connection id.
type Manager struct {
	cfg      Config
	factory  SessionFactory
	invoker  rpc.Invoker
	engine   *resilience.Engine
	store    storage.Store
	identity IdentitySetter
	deferrer Deferrer
	onChange func(uint32, Transition)

	mu    sync.RWMutex
	conns map[uint32]*connection

	recoveries singleflight.Group
	log        *slog.Logger
}

// NewManager creates a manager. Snapshots are persisted to store.
func NewManager(
	cfg Config,
	factory SessionFactory,
	invoker rpc.Invoker,
	engine *resilience.Engine,
	store storage.Store,
	opts ...Option,
) *Manager {
	d := DefaultConfig()
	if cfg.Exchange == "" {
		cfg.Exchange = d.Exchange
	}
	if cfg.OneTimeKeys <= 0 {
		cfg.OneTimeKeys = d.OneTimeKeys
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	m := &Manager{
		cfg:     cfg,
		factory: factory,
		invoker: invoker,
		engine:  engine,
		store:   store,
		conns:   make(map[uint32]*connection),
		log:     slog.Default().With("component", "channel"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) conn(id uint32) (*connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("connection %d: %w", id, domain.ErrConnectionNotFound)
	}
	return c, nil
}

func (m *Manager) getOrCreate(id uint32, settings domain.InstanceSettings, exchange domain.ExchangeType) *connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[id]
	if !ok {
		c = &connection{id: id, state: StateUninitialized}
		m.conns[id] = c
	}
	c.settings = settings
	if exchange != "" {
		c.exchange = exchange
	} else if c.exchange == "" {
		c.exchange = m.cfg.Exchange
	}
	return c
}

func (m *Manager) primeIdentity(settings domain.InstanceSettings) {
	if m.identity != nil {
		m.identity.SetIdentity(rpc.IdentityFromSettings(settings))
	}
}

func (m *Manager) transition(c *connection, to State, reason string) error {
	m.mu.Lock()
	from := c.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("connection %d %s -> %s: %w", c.id, from, to, ErrInvalidTransition)
	}
	t := m.recordLocked(c, from, to, reason)
	m.mu.Unlock()

	m.notify(c, t)
	return nil
}

// reset moves c back to Uninitialized regardless of its current state.
func (m *Manager) reset(c *connection, reason string) {
	m.mu.Lock()
	from := c.state
	c.lastErr = nil
	if from == StateUninitialized {
		m.mu.Unlock()
		return
	}
	t := m.recordLocked(c, from, StateUninitialized, reason)
	m.mu.Unlock()

	m.notify(c, t)
}

func (m *Manager) recordLocked(c *connection, from, to State, reason string) Transition {
	t := NewTransition(from, to, reason)
	c.state = to
	c.history = append(c.history, t)
	if len(c.history) > maxHistory {
		c.history = c.history[len(c.history)-maxHistory:]
	}
	return t
}

func (m *Manager) notify(c *connection, t Transition) {
	metrics.ChannelTransitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
	m.log.Debug("Channel state changed",
		"connection", c.id,
		"from", t.From,
		"to", t.To,
		"reason", t.Reason,
	)
	if m.onChange != nil {
		m.onChange(c.id, t)
	}
}

func (m *Manager) fail(c *connection, cause error) {
	m.mu.Lock()
	c.lastErr = cause
	m.mu.Unlock()

	reason := "failed"
	if cause != nil {
		reason = cause.Error()
	}
	if err := m.transition(c, StateFailed, reason); err != nil {
		m.log.Debug("Skipping failed transition", "connection", c.id, "error", err)
	}
}

func (m *Manager) currentState(c *connection) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return c.state
}

func (m *Manager) lastError(c *connection) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return c.lastErr
}

// markOutcome moves a usable connection between Healthy and Degraded.
func (m *Manager) markOutcome(c *connection, err error) {
	s := m.currentState(c)
	if !s.IsUsable() {
		return
	}
	if err == nil {
		_ = m.transition(c, StateHealthy, "request succeeded")
		return
	}
	m.mu.Lock()
	c.lastErr = err
	m.mu.Unlock()
	_ = m.transition(c, StateDegraded, err.Error())
}

// State returns the state of a connection.
func (m *Manager) State(id uint32) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return "", false
	}
	return c.state, true
}

// ConnectionInfo is a read-only view of one connection.
type ConnectionInfo struct {
	ID         uint32
	Exchange   domain.ExchangeType
	State      State
	Generation uint64
	LastError  string
	History    []Transition
}

// Connections lists live connections ordered by id.
func (m *Manager) Connections() []ConnectionInfo {
	m.mu.RLock()
	conns := make([]*connection, 0, len(m.conns))
	infos := make([]ConnectionInfo, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
		info := ConnectionInfo{
			ID:       c.id,
			Exchange: c.exchange,
			State:    c.state,
			History:  append([]Transition(nil), c.history...),
		}
		if c.lastErr != nil {
			info.LastError = c.lastErr.Error()
		}
		infos = append(infos, info)
	}
	m.mu.RUnlock()

	for i, c := range conns {
		infos[i].Generation = c.gen()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close disposes every live session.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[uint32]*connection)
	m.mu.Unlock()

	var errs []error
	for _, c := range conns {
		c.cryptoMu.Lock()
		if c.session != nil {
			if err := c.session.Close(); err != nil {
				errs = append(errs, err)
			}
			c.session = nil
		}
		c.cryptoMu.Unlock()
	}
	return errors.Join(errs...)
}

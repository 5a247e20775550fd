package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vietddude/securelink/internal/channel"
	"github.com/vietddude/securelink/internal/core/config"
	"github.com/vietddude/securelink/internal/core/domain"
	"github.com/vietddude/securelink/internal/core/worker"
	"github.com/vietddude/securelink/internal/health"
	redisclient "github.com/vietddude/securelink/internal/infra/redis"
	"github.com/vietddude/securelink/internal/infra/rpc"
	"github.com/vietddude/securelink/internal/infra/rpc/provider"
	"github.com/vietddude/securelink/internal/infra/signal"
	"github.com/vietddude/securelink/internal/infra/storage"
	"github.com/vietddude/securelink/internal/infra/storage/bolt"
	"github.com/vietddude/securelink/internal/infra/storage/memory"
	"github.com/vietddude/securelink/internal/infra/storage/postgres"
	"github.com/vietddude/securelink/internal/protocol/ratchet"
	"github.com/vietddude/securelink/internal/queue"
	"github.com/vietddude/securelink/internal/resilience"
)

// appInstanceKey holds the generated app instance id. It is not a
// connection key, so snapshot listings skip it.
const appInstanceKey = "instance/app_id"

// forwardedKinds are mirrored to other processes when a bridge is configured.
var forwardedKinds = []signal.Kind{
	signal.RetriesExhausted,
	signal.Disconnected,
	signal.ConnectivityRestored,
}

// Client owns the secure session stack for one app installation.
type Client struct {
	cfg      *config.AppConfig
	settings domain.InstanceSettings

	store      storage.Store
	db         *postgres.DB
	bus        *signal.MemoryBus
	transport  provider.Transport
	dispatcher *rpc.Dispatcher
	engine     *resilience.Engine
	queue      *queue.Queue
	channels   *channel.Manager

	signalClient *redisclient.Client
	bridge       *signal.RemoteBridge
	stopForward  func()

	healthMon    *health.Monitor
	healthServer *health.Server
	pruner       *worker.Pruner

	connectionID uint32

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// Option overrides a component NewClient would otherwise build from config.
type Option func(*Client)

// WithStore uses s instead of the configured storage driver.
func WithStore(s storage.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithTransport uses t instead of dialing the configured endpoint.
func WithTransport(t provider.Transport) Option {
	return func(c *Client) { c.transport = t }
}

// NewClient builds every component. Nothing talks to the remote service
// until Start.
func NewClient(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*Client, error) {
	c := &Client{
		cfg: cfg,
		log: slog.Default().With("component", "client"),
	}
	for _, opt := range opts {
		opt(c)
	}

	// 1. Storage
	if c.store == nil {
		store, db, err := OpenStore(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		c.store, c.db = store, db
	}

	settings, err := c.instanceSettings(ctx)
	if err != nil {
		_ = c.store.Close()
		return nil, err
	}
	c.settings = settings
	if cfg.Channel.Exchange == "" {
		cfg.Channel.Exchange = channel.DefaultConfig().Exchange
	}
	c.connectionID = domain.ConnectionID(settings.AppInstanceID, settings.DeviceID, cfg.Channel.Exchange)

	// 2. Transport
	var transportStats health.TransportSource
	if c.transport == nil {
		t, err := provider.NewGRPCTransport(cfg.Transport.GRPC())
		if err != nil {
			_ = c.store.Close()
			return nil, err
		}
		c.transport = t
		transportStats = t.Monitor
	}

	// 3. Session stack
	c.bus = signal.NewMemoryBus()
	c.dispatcher = rpc.NewDispatcher(c.transport, c.bus, rpc.NewRegistry(cfg.Transport.Service))
	c.engine = resilience.NewEngine(cfg.Retry.Engine(), c.bus, nil)
	c.queue = queue.New(cfg.Queue, c.store, c.bus)
	c.channels = channel.NewManager(
		cfg.Channel,
		ratchet.Factory{},
		c.dispatcher,
		c.engine,
		c.store,
		channel.WithIdentitySetter(c.dispatcher),
		channel.WithDeferrer(c.queue),
		channel.WithStateCallback(c.onTransition),
	)
	c.engine.SetRecovery(c.channels.Recover)

	// 4. Signal bridge
	if cfg.Signals.Enabled() {
		rc, err := redisclient.NewClient(cfg.Signals.Redis)
		if err != nil {
			c.log.Warn("Failed to connect to Redis, signal bridge disabled", "error", err)
		} else {
			c.signalClient = rc
			c.bridge = signal.NewRemoteBridge(rc, c.bus, cfg.Signals.Channel)
		}
	}

	c.pruner = worker.NewPruner(cfg.Storage.SnapshotRetention, c.store, c.channels, c.queue)

	// 5. Health
	c.healthMon = health.NewMonitor(health.DefaultConfig(), c.channels, transportStats, c.engine, c.queue, c.store)
	c.healthServer = health.NewServer(c.healthMon, cfg.Server.Port)

	return c, nil
}

// OpenStore opens the configured storage backend. The returned DB is set
// only for the postgres driver.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, *postgres.DB, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewMemoryStorage(), nil, nil
	case config.DriverBolt:
		s, err := bolt.Open(cfg.Path)
		return s, nil, err
	case config.DriverRedis:
		rc, err := redisclient.NewClient(cfg.Redis)
		return rc, nil, err
	case config.DriverPostgres:
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return postgres.NewStore(db), db, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// instanceSettings resolves the configured identity. A missing app instance
// id is generated on first run and reused afterwards.
func (c *Client) instanceSettings(ctx context.Context) (domain.InstanceSettings, error) {
	s, err := c.cfg.Instance.Settings()
	if err != nil {
		return domain.InstanceSettings{}, err
	}
	if s.AppInstanceID != "" {
		return s, nil
	}

	data, err := c.store.Get(ctx, appInstanceKey)
	switch {
	case err == nil:
		s.AppInstanceID = string(data)
	case errors.Is(err, storage.ErrNotFound):
		s.AppInstanceID = uuid.NewString()
		if err := c.store.Set(ctx, appInstanceKey, []byte(s.AppInstanceID)); err != nil {
			return domain.InstanceSettings{}, fmt.Errorf("failed to persist app instance id: %w", err)
		}
		c.log.Info("Generated app instance id", "app_instance_id", s.AppInstanceID)
	default:
		return domain.InstanceSettings{}, fmt.Errorf("failed to read app instance id: %w", err)
	}
	return s, nil
}

// Start launches background work and brings the channel up, resuming a
// persisted session when the server still knows it.
func (c *Client) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	// Start Health Server
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.healthServer.Start(); err != nil {
			c.log.Error("Health server failed", "error", err)
		}
	}()

	// Start DB Metrics Collector
	if c.db != nil {
		c.db.StartMetricsCollector(ctx)
	}

	// Start Signal Bridge
	if c.bridge != nil {
		c.stopForward = c.bridge.Forward(ctx, forwardedKinds...)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.bridge.Listen(ctx); err != nil {
				c.log.Error("Signal bridge failed", "error", err)
			}
		}()
	}

	// Replay deferred operations
	if _, err := c.queue.Restore(ctx, c.channels); err != nil {
		c.log.Warn("Failed to restore queued operations", "error", err)
	}

	if err := c.connect(ctx); err != nil {
		if f := domain.AsFailure(err); f.Kind == domain.FailureInvalidRequest {
			return err
		}
		c.log.Warn("Initial connect failed, channel recovers on next request",
			"connection", c.connectionID,
			"error", err,
		)
	}

	c.queue.Start(ctx)

	// Start Pruner once the live connection is tracked
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pruner.Start(ctx)
	}()
	return nil
}

// connect resumes the persisted session for this installation or
// establishes a new one.
func (c *Client) connect(ctx context.Context) error {
	state, err := c.channels.LoadState(ctx, c.connectionID)
	switch {
	case err == nil:
		resumed, err := c.channels.Restore(ctx, state, c.settings)
		if err != nil {
			return err
		}
		if resumed {
			c.log.Info("Channel resumed", "connection", c.connectionID)
			return nil
		}
		c.log.Info("Server declined resume, establishing new channel", "connection", c.connectionID)
	case errors.Is(err, domain.ErrConnectionNotFound):
	default:
		c.log.Warn("Discarding unreadable channel snapshot", "connection", c.connectionID, "error", err)
	}

	id, err := c.channels.Initiate(c.settings, c.cfg.Channel.Exchange)
	if err != nil {
		return err
	}
	if _, err := c.channels.Establish(ctx, id); err != nil {
		return err
	}
	c.log.Info("Channel established", "connection", id)
	return nil
}

func (c *Client) onTransition(id uint32, t channel.Transition) {
	c.log.Debug("Channel state changed",
		"connection", id,
		"from", t.From,
		"to", t.To,
		"reason", t.Reason,
	)
}

// ConnectionID returns the id of this installation's channel.
func (c *Client) ConnectionID() uint32 {
	return c.connectionID
}

// Channels exposes the channel manager.
func (c *Client) Channels() *channel.Manager {
	return c.channels
}

// Health returns the current health report.
func (c *Client) Health(ctx context.Context) health.HealthReport {
	return c.healthMon.CheckHealth(ctx)
}

// Call sends plaintext as a unary kind over this installation's channel and
// returns the decrypted response.
func (c *Client) Call(ctx context.Context, kind domain.OperationKind, plaintext []byte, opts ...channel.RequestOption) ([]byte, error) {
	var out []byte
	err := c.channels.ExecuteRequest(ctx, c.connectionID, kind, plaintext, domain.FlowSingle, func(b []byte) error {
		out = b
		return nil
	}, opts...)
	return out, err
}

// Stream sends plaintext as a streaming kind and hands every decrypted item
// to fn until the server ends the stream or ctx is done.
func (c *Client) Stream(ctx context.Context, kind domain.OperationKind, plaintext []byte, fn func([]byte) error) error {
	return c.channels.ExecuteRequest(ctx, c.connectionID, kind, plaintext, domain.FlowReceiveStream, fn)
}

// ManualRetry re-runs exhausted operations.
func (c *Client) ManualRetry(ctx context.Context) bool {
	return c.engine.ManualRetry(ctx)
}

// Stop shuts down in reverse start order.
func (c *Client) Stop(ctx context.Context) error {
	c.log.Info("Stopping client...")

	var errs []error
	if c.stopForward != nil {
		c.stopForward()
	}
	if err := c.queue.Stop(ctx); err != nil && !errors.Is(err, queue.ErrNotRunning) {
		errs = append(errs, err)
	}
	if err := c.engine.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.channels.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.transport.Close(); err != nil {
		errs = append(errs, err)
	}

	// Close Redis
	if c.signalClient != nil {
		if err := c.signalClient.Close(); err != nil {
			c.log.Warn("Failed to close Redis", "error", err)
		}
	}

	// Stop Health Server
	if err := c.healthServer.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	c.wg.Wait()

	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

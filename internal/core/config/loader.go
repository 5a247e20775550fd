package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/securelink/internal/channel"
	"github.com/vietddude/securelink/internal/infra/rpc"
	"github.com/vietddude/securelink/internal/queue"
	"github.com/vietddude/securelink/internal/resilience"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, expanding environment variables first.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *AppConfig {
	var cfg AppConfig
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Transport.Service == "" {
		cfg.Transport.Service = rpc.DefaultService
	}

	ch := channel.DefaultConfig()
	if cfg.Channel == (channel.Config{}) {
		cfg.Channel = ch
	}
	if cfg.Channel.Exchange == "" {
		cfg.Channel.Exchange = ch.Exchange
	}
	if cfg.Channel.OneTimeKeys == 0 {
		cfg.Channel.OneTimeKeys = ch.OneTimeKeys
	}

	r := resilience.DefaultConfig()
	if cfg.Retry.Strategy == "" {
		cfg.Retry.Strategy = string(r.Backoff.Strategy)
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = r.Backoff.BaseDelay
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = r.Backoff.MaxDelay
	}
	if cfg.Retry.AttemptTimeout == 0 {
		cfg.Retry.AttemptTimeout = r.AttemptTimeout
	}
	if cfg.Retry.AbandonAfter == 0 {
		cfg.Retry.AbandonAfter = r.AbandonAfter
	}
	if cfg.Retry.SweepInterval == 0 {
		cfg.Retry.SweepInterval = r.SweepInterval
	}
	if cfg.Retry.ExhaustedCooldown == 0 {
		cfg.Retry.ExhaustedCooldown = r.ExhaustedCooldown
	}

	q := queue.DefaultConfig()
	if cfg.Queue.Capacity == 0 {
		cfg.Queue.Capacity = q.Capacity
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = q.MaxAttempts
	}
	if cfg.Queue.StaleAfter == 0 {
		cfg.Queue.StaleAfter = q.StaleAfter
	}
	if cfg.Queue.DrainInterval == 0 {
		cfg.Queue.DrainInterval = q.DrainInterval
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = q.Concurrency
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverBolt
	}
	if cfg.Storage.Driver == DriverBolt && cfg.Storage.Path == "" {
		cfg.Storage.Path = "data"
	}
}

var drivers = []string{DriverMemory, DriverBolt, DriverRedis, DriverPostgres}

// Validate reports settings that cannot work together.
func (c *AppConfig) Validate() error {
	if !slices.Contains(drivers, c.Storage.Driver) {
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == DriverRedis && c.Storage.Redis.URL == "" {
		return fmt.Errorf("storage.redis.url is required for the redis driver")
	}
	if c.Storage.Driver == DriverPostgres && c.Storage.Database.URL == "" {
		return fmt.Errorf("storage.database.url is required for the postgres driver")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay %s is below retry.base_delay %s", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	if c.Retry.AttemptTimeout < time.Second {
		return fmt.Errorf("retry.attempt_timeout %s is below 1s", c.Retry.AttemptTimeout)
	}
	return nil
}

package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/vietddude/securelink/internal/channel"
	"github.com/vietddude/securelink/internal/core/domain"
	redisclient "github.com/vietddude/securelink/internal/infra/redis"
	"github.com/vietddude/securelink/internal/infra/rpc/provider"
	"github.com/vietddude/securelink/internal/infra/rpc/routing"
	"github.com/vietddude/securelink/internal/infra/storage/postgres"
	"github.com/vietddude/securelink/internal/queue"
	"github.com/vietddude/securelink/internal/resilience"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Transport TransportConfig `yaml:"transport"`
	Instance  InstanceConfig  `yaml:"instance"`
	Channel   channel.Config  `yaml:"channel"`
	Retry     RetryConfig     `yaml:"retry"`
	Queue     queue.Config    `yaml:"queue"`
	Storage   StorageConfig   `yaml:"storage"`
	Signals   SignalsConfig   `yaml:"signals"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TransportConfig holds the remote endpoint settings.
type TransportConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	Service          string        `yaml:"service"`
	KeepaliveTime    time.Duration `yaml:"keepalive_time"`
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`
}

// GRPC returns the transport dial settings.
func (c TransportConfig) GRPC() provider.GRPCConfig {
	return provider.GRPCConfig{
		Endpoint:         c.Endpoint,
		KeepaliveTime:    c.KeepaliveTime,
		KeepaliveTimeout: c.KeepaliveTimeout,
	}
}

// InstanceConfig identifies this installation. An empty app instance id is
// generated once and kept in the store.
type InstanceConfig struct {
	AppInstanceID   string `yaml:"app_instance_id"`
	DeviceID        string `yaml:"device_id"`
	Locale          string `yaml:"locale"`
	ServerPublicKey string `yaml:"server_public_key"` // base64, optional pin
}

// Settings converts the section into instance settings.
func (c InstanceConfig) Settings() (domain.InstanceSettings, error) {
	s := domain.InstanceSettings{
		AppInstanceID: c.AppInstanceID,
		DeviceID:      c.DeviceID,
		Locale:        c.Locale,
	}
	if c.ServerPublicKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.ServerPublicKey)
		if err != nil {
			return domain.InstanceSettings{}, fmt.Errorf("invalid server_public_key: %w", err)
		}
		s.ServerPublicKey = key
	}
	return s, nil
}

// RetryConfig holds the retry policy.
type RetryConfig struct {
	Strategy          string        `yaml:"strategy"` // exponential, decorrelated_jitter
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
	AbandonAfter      time.Duration `yaml:"abandon_after"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ExhaustedCooldown time.Duration `yaml:"exhausted_cooldown"`
}

// Engine returns the resilience engine settings.
func (c RetryConfig) Engine() resilience.Config {
	return resilience.Config{
		Backoff: routing.BackoffConfig{
			Strategy:  routing.Strategy(c.Strategy),
			BaseDelay: c.BaseDelay,
			MaxDelay:  c.MaxDelay,
		},
		AttemptTimeout:    c.AttemptTimeout,
		AbandonAfter:      c.AbandonAfter,
		SweepInterval:     c.SweepInterval,
		ExhaustedCooldown: c.ExhaustedCooldown,
	}
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// StorageConfig selects the durable store backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"` // bolt file or directory
	// SnapshotRetention prunes channel snapshots idle for longer; 0 keeps them.
	SnapshotRetention time.Duration      `yaml:"snapshot_retention"`
	Redis             redisclient.Config `yaml:"redis"`
	Database          postgres.Config    `yaml:"database"`
}

// SignalsConfig enables mirroring signals over Redis pub/sub.
type SignalsConfig struct {
	Redis   redisclient.Config `yaml:"redis"`
	Channel string             `yaml:"channel"`
}

// Enabled reports whether a Redis bridge is configured.
func (c SignalsConfig) Enabled() bool {
	return c.Redis.URL != ""
}

// Package config loads and validates the YAML configuration for the RPC
// server: pool sizing, reaper cadence, and transport connection settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultRPCThreadPoolSize = 4
	DefaultConsumerPoolSize  = 1
	DefaultProducerPoolBound = 4
	DefaultReapIntervalMs    = 1000
)

// Config is the top-level configuration for an rpcserver instance.
type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	Transport TransportConfig `yaml:"transport"`
	Pool      PoolConfig      `yaml:"pool"`
	Reaper    ReaperConfig    `yaml:"reaper"`

	RequestQueue string `yaml:"request_queue"`
}

// TransportConfig describes how to reach the message broker.
type TransportConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PoolConfig sizes the worker pools.
type PoolConfig struct {
	RPCThreadPoolSize int `yaml:"rpc_thread_pool_size"`
	ConsumerPoolSize  int `yaml:"consumer_pool_size"`
	ProducerPoolBound int `yaml:"producer_pool_bound"`
}

// ReaperConfig controls the reconciliation sweep in internal/reaper.
type ReaperConfig struct {
	IntervalMs int `yaml:"reap_interval_ms"`
}

// Load reads and validates a YAML configuration file, applying defaults to
// the pool sizes, reap interval and request queue where they are zero.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every field set to its default
// value, suitable for embedding the server without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Pool.RPCThreadPoolSize == 0 {
		cfg.Pool.RPCThreadPoolSize = DefaultRPCThreadPoolSize
	}
	if cfg.Pool.ConsumerPoolSize == 0 {
		cfg.Pool.ConsumerPoolSize = DefaultConsumerPoolSize
	}
	if cfg.Pool.ProducerPoolBound == 0 {
		cfg.Pool.ProducerPoolBound = DefaultProducerPoolBound
	}
	if cfg.Reaper.IntervalMs == 0 {
		cfg.Reaper.IntervalMs = DefaultReapIntervalMs
	}
	if cfg.RequestQueue == "" {
		cfg.RequestQueue = "RPC_SERVER_QUEUE"
	}
}

// Validate rejects configuration values that would make the server
// inoperable.
func (c *Config) Validate() error {
	if c.Pool.RPCThreadPoolSize <= 0 {
		return fmt.Errorf("rpc_thread_pool_size must be positive, got %d", c.Pool.RPCThreadPoolSize)
	}
	if c.Pool.ConsumerPoolSize <= 0 {
		return fmt.Errorf("consumer_pool_size must be positive, got %d", c.Pool.ConsumerPoolSize)
	}
	if c.Pool.ProducerPoolBound <= 0 {
		return fmt.Errorf("producer_pool_bound must be positive, got %d", c.Pool.ProducerPoolBound)
	}
	if c.Reaper.IntervalMs <= 0 {
		return fmt.Errorf("reap_interval_ms must be positive, got %d", c.Reaper.IntervalMs)
	}
	return nil
}

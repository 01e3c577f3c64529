package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration. Every field has an in-code
// default so the binary runs with no file and no environment.
type Config struct {
	// Store
	StorePath  string `yaml:"store_path"`
	SchemaPath string `yaml:"schema_path"`
	PoolSize   int    `yaml:"pool_size"`

	// Broker
	RedisURL string `yaml:"redis_url"`

	// OAuth / provider
	OAuthClientID string   `yaml:"oauth_client_id"`
	OAuthTenant   string   `yaml:"oauth_tenant"`
	OAuthScopes   []string `yaml:"oauth_scopes"`
	RedirectPort  int      `yaml:"redirect_port"`
	GraphBaseURL  string   `yaml:"graph_base_url"`

	// Runtime
	WorkerCount      int `yaml:"worker_count"`
	AdminConcurrency int `yaml:"admin_concurrency"`
	UserConcurrency  int `yaml:"user_concurrency"`

	// Writer daemon
	WriterBatchSize     int           `yaml:"writer_batch_size"`
	WriterFlushInterval time.Duration `yaml:"writer_flush_interval"`

	// Sync
	RecentSyncDays int `yaml:"recent_sync_days"`

	// Admin surface
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StorePath:           "data/mailharbor.db",
		SchemaPath:          "",
		PoolSize:            20,
		RedisURL:            "redis://localhost:6379/0",
		OAuthClientID:       "f4a5101b-9441-48f4-968f-3ef3da7b7290",
		OAuthTenant:         "common",
		OAuthScopes:         []string{"User.Read", "Mail.Read", "Mail.ReadWrite", "Mail.Send", "offline_access"},
		RedirectPort:        53100,
		GraphBaseURL:        "https://graph.microsoft.com/v1.0",
		WorkerCount:         50,
		AdminConcurrency:    30,
		UserConcurrency:     10,
		WriterBatchSize:     500,
		WriterFlushInterval: 2 * time.Second,
		RecentSyncDays:      30,
		ListenAddr:          ":8720",
	}
}

// Load reads the config file at path (if non-empty) over the defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.PoolSize < 1 {
		return nil, fmt.Errorf("pool_size must be at least 1, got %d", cfg.PoolSize)
	}
	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("worker_count must be at least 1, got %d", cfg.WorkerCount)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MAILHARBOR_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("MAILHARBOR_SCHEMA_PATH"); v != "" {
		c.SchemaPath = v
	}
	if v := os.Getenv("MAILHARBOR_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("MAILHARBOR_OAUTH_CLIENT_ID"); v != "" {
		c.OAuthClientID = v
	}
	if v := os.Getenv("MAILHARBOR_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("MAILHARBOR_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PoolSize = n
		}
	}
	if v := os.Getenv("MAILHARBOR_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerCount = n
		}
	}
	if v := os.Getenv("MAILHARBOR_REDIRECT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RedirectPort = n
		}
	}
}

package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"qamd/internal/domain"
)

// UpstreamConfig describes one gateway front connection.
type UpstreamConfig struct {
	ConnectionID     string `yaml:"connection_id"`
	FrontAddr        string `yaml:"front_addr"`
	BrokerID         string `yaml:"broker_id"`
	MaxSubscriptions int    `yaml:"max_subscriptions"`
	Priority         int    `yaml:"priority"`
	Enabled          bool   `yaml:"enabled"`
}

// Config holds the full server configuration.
// Loaded from YAML, then overridden from environment variables.
type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Upstream struct {
		Connections         []UpstreamConfig `yaml:"connections"`
		HealthCheckInterval int              `yaml:"health_check_interval_sec"`
		MaintenanceInterval int              `yaml:"maintenance_interval_sec"`
		MaxRetryCount       int              `yaml:"max_retry_count"`
		AutoFailover        bool             `yaml:"auto_failover"`
	} `yaml:"upstream"`

	Catalogue struct {
		Path string `yaml:"path"`
	} `yaml:"catalogue"`

	Cache struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"cache"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 7799
	}
	if c.Upstream.HealthCheckInterval == 0 {
		c.Upstream.HealthCheckInterval = 30
	}
	if c.Upstream.MaintenanceInterval == 0 {
		c.Upstream.MaintenanceInterval = 60
	}
	if c.Upstream.MaxRetryCount == 0 {
		c.Upstream.MaxRetryCount = 3
	}
	if c.Catalogue.Path == "" {
		c.Catalogue.Path = "qamddata.db"
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 50000
	}
	for i := range c.Upstream.Connections {
		if c.Upstream.Connections[i].MaxSubscriptions == 0 {
			c.Upstream.Connections[i].MaxSubscriptions = 500
		}
		if c.Upstream.Connections[i].Priority == 0 {
			c.Upstream.Connections[i].Priority = 1
		}
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &domain.ConfigError{Field: "server.port", Err: fmt.Errorf("invalid port %d", c.Server.Port)}
	}

	if len(c.Upstream.Connections) == 0 {
		return &domain.ConfigError{Field: "upstream.connections", Err: fmt.Errorf("at least one connection is required")}
	}

	seen := make(map[string]bool)
	for _, conn := range c.Upstream.Connections {
		if conn.ConnectionID == "" {
			return &domain.ConfigError{Field: "connection_id", Err: fmt.Errorf("missing connection_id")}
		}
		if seen[conn.ConnectionID] {
			return &domain.ConfigError{Field: "connection_id", Err: fmt.Errorf("duplicate connection_id %s", conn.ConnectionID)}
		}
		seen[conn.ConnectionID] = true

		if !strings.HasPrefix(conn.FrontAddr, "ws://") && !strings.HasPrefix(conn.FrontAddr, "wss://") {
			return &domain.ConfigError{Field: "front_addr", Err: fmt.Errorf("invalid front_addr for %s: %s", conn.ConnectionID, conn.FrontAddr)}
		}
		if conn.MaxSubscriptions < 0 {
			return &domain.ConfigError{Field: "max_subscriptions", Err: fmt.Errorf("negative max_subscriptions for %s", conn.ConnectionID)}
		}
	}

	if c.Cache.Capacity <= 0 {
		return &domain.ConfigError{Field: "cache.capacity", Err: fmt.Errorf("capacity must be positive")}
	}

	return nil
}

// overrideWithEnv overrides config values from environment variables when set.
func overrideWithEnv(cfg *Config) {
	if port := os.Getenv("QAMD_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if path := os.Getenv("QAMD_CATALOGUE_PATH"); path != "" {
		cfg.Catalogue.Path = path
	}
	if level := os.Getenv("QAMD_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

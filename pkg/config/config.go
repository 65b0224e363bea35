package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full node configuration
type Config struct {
	DeviceName string `mapstructure:"device_name"`

	// Transport
	ListenAddr string   `mapstructure:"listen_addr"`
	KnownPeers []string `mapstructure:"known_peers"`
	MTU        int      `mapstructure:"mtu"`

	// Connection pool
	MaxConnections int           `mapstructure:"max_connections"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ChunkDelay     time.Duration `mapstructure:"chunk_delay"`

	// Registry
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`

	// Storage
	DBPath string `mapstructure:"db_path"`

	// HTTP API
	APIAddr string `mapstructure:"api_addr"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

// Load reads configuration from an optional config file and the
// MESHNODE_* environment, environment winning
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("device_name", "meshnode")
	v.SetDefault("listen_addr", "127.0.0.1:7440")
	v.SetDefault("known_peers", []string{})
	v.SetDefault("mtu", 512)
	v.SetDefault("max_connections", 7)
	v.SetDefault("connect_timeout", 10*time.Second)
	v.SetDefault("chunk_delay", 10*time.Millisecond)
	v.SetDefault("stale_threshold", 5*time.Minute)
	v.SetDefault("db_path", "meshnode.db")
	v.SetDefault("api_addr", "127.0.0.1:8440")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	v.SetEnvPrefix("MESHNODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", c.MaxConnections)
	}
	if c.MTU < 16 {
		return fmt.Errorf("mtu must be at least 16 bytes, got %d", c.MTU)
	}
	if c.DeviceName == "" {
		return fmt.Errorf("device_name must not be empty")
	}
	if len(c.DeviceName) > 255 {
		return fmt.Errorf("device_name exceeds 255 bytes")
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreRelay  = "relay"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds the application configuration.
type Config struct {
	Store          string        `mapstructure:"store"`
	RelayURL       string        `mapstructure:"relay_url"`
	ListenAddr     string        `mapstructure:"listen_addr"`
	Mode           string        `mapstructure:"mode"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password"`
	RedisDB        int           `mapstructure:"redis_db"`
	RedisPrefix    string        `mapstructure:"redis_prefix"`
	RoomTTL        time.Duration `mapstructure:"room_ttl"`
	STUNURLs       []string      `mapstructure:"stun_urls"`
	ICEServersURL  string        `mapstructure:"ice_servers_url"`
	LogLevel       string        `mapstructure:"log_level"`
	CleanupTimeout time.Duration `mapstructure:"cleanup_timeout"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
}

// Load reads configuration from a .env file (if present), an optional YAML file
// named by OREOCAM_CONFIG and OREOCAM_* environment variables.
// Environment variables take precedence over file values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("OREOCAM")
	v.AutomaticEnv()

	v.SetDefault("store", StoreRelay)
	v.SetDefault("relay_url", "ws://localhost:8080/ws")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("mode", "release")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_prefix", "oreocam:")
	v.SetDefault("room_ttl", "24h")
	v.SetDefault("stun_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice_servers_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("cleanup_timeout", "5s")
	v.SetDefault("ping_period", "30s")

	if file := os.Getenv("OREOCAM_CONFIG"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected store is usable.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreRelay:
		if c.RelayURL == "" {
			return fmt.Errorf("relay_url is required for the relay store")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required for the redis store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q (want relay, redis or memory)", c.Store)
	}
	if c.CleanupTimeout <= 0 {
		return fmt.Errorf("cleanup_timeout must be positive")
	}
	var urls []string
	for _, u := range c.STUNURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	c.STUNURLs = urls
	return nil
}

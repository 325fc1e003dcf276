package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	Auth           AuthConfig           `yaml:"auth"`
	Bidding        BiddingConfig        `yaml:"bidding"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// ServerConfig holds HTTP/WebSocket server settings.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// InflightCap bounds concurrently processed messages per connection.
	InflightCap int `yaml:"inflight_cap"`
	// WriteBuffer is the per-session outbound queue length. A session that
	// lets this fill up is disconnected as a slow consumer.
	WriteBuffer int `yaml:"write_buffer"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds settings for the shared hot-state store and event bus.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds session authentication settings.
type AuthConfig struct {
	// JWTSigningKey verifies the HS256 bearer token presented on connect.
	JWTSigningKey string        `yaml:"jwt_signing_key"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
}

// BiddingConfig holds bid validation settings.
type BiddingConfig struct {
	// RateLimitCount bids per RateWindow per (user, auction).
	RateLimitCount int           `yaml:"rate_limit_count"`
	RateWindow     time.Duration `yaml:"rate_window"`
	// MaxBidAmount is the upper bound on a single bid.
	MaxBidAmount int64 `yaml:"max_bid_amount"`
	// HistoryTail bounds the cached per-auction bid history.
	HistoryTail int `yaml:"history_tail"`
}

// SchedulerConfig holds lifecycle sweep settings.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings for the
// lifecycle scheduler. Sweeping is idempotent, so this is purely an
// optimization to keep replicas from racing the same UPDATE.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			ListenAddress:   ":8080",
			ShutdownTimeout: 15 * time.Second,
			InflightCap:     10,
			WriteBuffer:     64,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "postgres",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Auth: AuthConfig{
			SessionTTL: 2 * time.Hour,
		},
		Bidding: BiddingConfig{
			RateLimitCount: 5,
			RateWindow:     30 * time.Second,
			MaxBidAmount:   1_000_000_000,
			HistoryTail:    50,
		},
		Scheduler: SchedulerConfig{
			TickInterval: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctiond",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctiond-sweeper",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\"", c.Database.Driver)
	}
	if c.Auth.JWTSigningKey == "" {
		return fmt.Errorf("auth.jwt_signing_key must be set")
	}
	if c.Bidding.RateLimitCount <= 0 {
		return fmt.Errorf("bidding.rate_limit_count must be positive, got %d", c.Bidding.RateLimitCount)
	}
	if c.Bidding.MaxBidAmount <= 0 {
		return fmt.Errorf("bidding.max_bid_amount must be positive, got %d", c.Bidding.MaxBidAmount)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive, got %s", c.Scheduler.TickInterval)
	}
	return nil
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverLocal    = "local"
)

// Auth providers
const (
	ProviderRemote = "remote"
	ProviderLocal  = "local"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Storage     StorageConfig     `yaml:"storage"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Local       LocalConfig       `yaml:"local"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Sync        SyncConfig        `yaml:"sync"`
	Auth        AuthConfig        `yaml:"auth"`
	Session     SessionConfig     `yaml:"session"`
	Vision      VisionConfig      `yaml:"vision"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// AuthRateLimit is the number of auth flow requests allowed per IP per minute
	AuthRateLimit int `yaml:"auth_rate_limit"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level" env:"ACC_LOG_LEVEL"`
}

// SlogLevel converts the configured level name
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StorageConfig selects the persistence backend once at startup
type StorageConfig struct {
	Driver string `yaml:"driver" env:"ACC_STORAGE_DRIVER"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host" env:"ACC_POSTGRES_HOST"`
	Port            int           `yaml:"port" env:"ACC_POSTGRES_PORT"`
	User            string        `yaml:"user" env:"ACC_POSTGRES_USER"`
	Password        string        `yaml:"password" env:"ACC_POSTGRES_PASSWORD"`
	Database        string        `yaml:"database" env:"ACC_POSTGRES_DATABASE"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	// URL overrides the individual connection fields when set
	URL string `yaml:"url" env:"ACC_POSTGRES_URL"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// LocalConfig holds the local fallback store configuration
type LocalConfig struct {
	Path      string `yaml:"path" env:"ACC_LOCAL_PATH"`
	KeyPrefix string `yaml:"key_prefix"`
	// QuotaBytes limits the serialized size of a single key, 0 disables the limit
	QuotaBytes int  `yaml:"quota_bytes"`
	SeedDemo   bool `yaml:"seed_demo"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr" env:"ACC_REDIS_ADDR"`
	Password     string        `yaml:"password" env:"ACC_REDIS_PASSWORD"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers" env:"ACC_KAFKA_BROKERS" envSeparator:","`
	Topic          string        `yaml:"topic"`
	GroupID        string        `yaml:"group_id"`
	Enabled        bool          `yaml:"enabled"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
}

// SyncConfig holds leaderboard cache synchronization configuration
type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
	Enabled  bool          `yaml:"enabled"`
}

// AuthConfig holds OTP provider configuration
type AuthConfig struct {
	Provider   string        `yaml:"provider" env:"ACC_AUTH_PROVIDER"`
	AdminEmail string        `yaml:"admin_email" env:"ACC_ADMIN_EMAIL"`
	FlowTTL    time.Duration `yaml:"flow_ttl"`
	// Remote provider (GoTrue-compatible auth API)
	BaseURL string        `yaml:"base_url" env:"ACC_AUTH_BASE_URL"`
	APIKey  string        `yaml:"api_key" env:"ACC_AUTH_API_KEY"`
	Timeout time.Duration `yaml:"timeout"`
	// Local provider
	Issuer     string        `yaml:"issuer"`
	CodePeriod time.Duration `yaml:"code_period"`
}

// SessionConfig holds session token configuration
type SessionConfig struct {
	Secret string        `yaml:"secret" env:"ACC_SESSION_SECRET"`
	TTL    time.Duration `yaml:"ttl"`
	Issuer string        `yaml:"issuer"`
}

// VisionConfig holds the screenshot analysis client configuration
type VisionConfig struct {
	APIKey      string        `yaml:"api_key" env:"ACC_VISION_API_KEY"`
	Model       string        `yaml:"model" env:"ACC_VISION_MODEL"`
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxImageMB  int           `yaml:"max_image_mb"`
}

// LeaderboardConfig holds leaderboard-specific configuration
type LeaderboardConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
	// BroadcastTop is the number of entries pushed to WebSocket subscribers
	BroadcastTop int `yaml:"broadcast_top"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Apply defaults
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnv overrides secrets and endpoints from ACC_* environment variables
func (c *Config) applyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	return nil
}

// Validate checks settings that have no sensible default
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverPostgres, DriverLocal:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Auth.Provider {
	case ProviderRemote:
		if c.Auth.BaseURL == "" {
			return fmt.Errorf("auth.base_url is required for the remote provider")
		}
	case ProviderLocal:
	default:
		return fmt.Errorf("unknown auth provider %q", c.Auth.Provider)
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// screenshot analysis may retry with backoff inside a request
		c.Server.WriteTimeout = 90 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.AuthRateLimit == 0 {
		c.Server.AuthRateLimit = 20
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverLocal
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 20
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 2
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Local store defaults
	if c.Local.Path == "" {
		c.Local.Path = "acc_tracker.db"
	}
	if c.Local.KeyPrefix == "" {
		c.Local.KeyPrefix = "acc_tracker"
	}
	if c.Local.QuotaBytes == 0 {
		c.Local.QuotaBytes = 5 * 1024 * 1024
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 2
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "acc-lap-times"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "acc-tracker"
	}
	if c.Kafka.ProcessTimeout == 0 {
		c.Kafka.ProcessTimeout = 10 * time.Second
	}

	// Sync defaults
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 15 * time.Minute
	}

	// Auth defaults
	if c.Auth.Provider == "" {
		c.Auth.Provider = ProviderLocal
	}
	if c.Auth.FlowTTL == 0 {
		c.Auth.FlowTTL = 15 * time.Minute
	}
	if c.Auth.Timeout == 0 {
		c.Auth.Timeout = 10 * time.Second
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "ACC Tracker"
	}
	if c.Auth.CodePeriod == 0 {
		c.Auth.CodePeriod = 5 * time.Minute
	}

	// Session defaults
	if c.Session.TTL == 0 {
		c.Session.TTL = 7 * 24 * time.Hour
	}
	if c.Session.Issuer == "" {
		c.Session.Issuer = "acc-tracker"
	}

	// Vision defaults
	if c.Vision.Model == "" {
		c.Vision.Model = "gemini-2.5-flash"
	}
	if c.Vision.BaseURL == "" {
		c.Vision.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if c.Vision.Timeout == 0 {
		c.Vision.Timeout = 30 * time.Second
	}
	if c.Vision.MaxAttempts == 0 {
		c.Vision.MaxAttempts = 3
	}
	if c.Vision.BaseBackoff == 0 {
		c.Vision.BaseBackoff = 1 * time.Second
	}
	if c.Vision.MaxImageMB == 0 {
		c.Vision.MaxImageMB = 8
	}

	// Leaderboard defaults
	if c.Leaderboard.DefaultLimit == 0 {
		c.Leaderboard.DefaultLimit = 50
	}
	if c.Leaderboard.MaxLimit == 0 {
		c.Leaderboard.MaxLimit = 500
	}
	if c.Leaderboard.BroadcastTop == 0 {
		c.Leaderboard.BroadcastTop = 10
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Sync.Enabled = true
	return cfg
}

// FromEnv returns the defaults with ACC_* environment overrides applied. It is
// used when no config file exists and fails on the same settings Load does.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Email    EmailConfig    `yaml:"email"`
	Worker   WorkerConfig   `yaml:"worker"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`

	// BaseURL is the externally reachable address used to build
	// confirmation links sent to new subscribers.
	BaseURL string `yaml:"base_url"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL                string `yaml:"url"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSec int    `yaml:"conn_max_lifetime_seconds"`
}

// ConnMaxLifetime returns the connection lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSec) * time.Second
}

// EmailConfig holds AWS SES transport configuration
type EmailConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	FromName       string `yaml:"from_name"`
	FromEmail      string `yaml:"from_email"`
	ReplyTo        string `yaml:"reply_to"`
}

// Timeout returns the configured timeout as a duration
func (c EmailConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WorkerConfig holds delivery worker configuration.
// The retry ceiling and stale-claim timeout are deliberately configuration,
// not constants scattered through the worker code.
type WorkerConfig struct {
	NumWorkers          int `yaml:"num_workers"`
	BatchSize           int `yaml:"batch_size"`
	PollIntervalMS      int `yaml:"poll_interval_ms"`
	MaxRetries          int `yaml:"max_retries"`
	StaleAgeSec         int `yaml:"stale_age_seconds"`
	RecoveryIntervalSec int `yaml:"recovery_interval_seconds"`

	// Transport rate limits enforced through Redis; zero disables a window.
	SendPerSecond int `yaml:"send_per_second"`
	SendPerMinute int `yaml:"send_per_minute"`
	SendPerDay    int `yaml:"send_per_day"`
}

// PollInterval returns the poll interval as a duration
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// StaleAge returns how long a claimed task may sit in processing before the
// sweeper treats the claim as abandoned.
func (c WorkerConfig) StaleAge() time.Duration {
	return time.Duration(c.StaleAgeSec) * time.Second
}

// RecoveryInterval returns how often the sweeper scans for abandoned claims.
func (c WorkerConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSec) * time.Second
}

// RedisConfig holds Redis settings for the send rate limiter
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds publisher session configuration
type AuthConfig struct {
	SessionSecret string `yaml:"session_secret"`
	CookieName    string `yaml:"cookie_name"`
	CookieMaxAge  int    `yaml:"cookie_max_age"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeSec == 0 {
		cfg.Database.ConnMaxLifetimeSec = 300
	}
	if cfg.Email.Region == "" {
		cfg.Email.Region = "us-east-1"
	}
	if cfg.Email.TimeoutSeconds == 0 {
		cfg.Email.TimeoutSeconds = 30
	}
	if cfg.Worker.NumWorkers == 0 {
		cfg.Worker.NumWorkers = 4
	}
	if cfg.Worker.BatchSize == 0 {
		cfg.Worker.BatchSize = 50
	}
	if cfg.Worker.PollIntervalMS == 0 {
		cfg.Worker.PollIntervalMS = 1000
	}
	if cfg.Worker.MaxRetries == 0 {
		cfg.Worker.MaxRetries = 5
	}
	if cfg.Worker.StaleAgeSec == 0 {
		cfg.Worker.StaleAgeSec = 300
	}
	if cfg.Worker.RecoveryIntervalSec == 0 {
		cfg.Worker.RecoveryIntervalSec = 120
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = "newsletter_session"
	}
	if cfg.Auth.CookieMaxAge == 0 {
		cfg.Auth.CookieMaxAge = 86400
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Email.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Email.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Email.Region = v
	}
	if v := os.Getenv("EMAIL_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.Auth.SessionSecret = v
	}

	return cfg, nil
}

// Package config loads talktime's settings: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of the server and worker processes.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Server    ServerConfig    `yaml:"server"`
	Worker    WorkerConfig    `yaml:"worker"`
	Meter     MeterConfig     `yaml:"meter"`
	Billing   BillingConfig   `yaml:"billing"`
	Payments  PaymentsConfig  `yaml:"payments"`
	Mail      MailConfig      `yaml:"mail"`
	Generator GeneratorConfig `yaml:"generator"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// DatabaseConfig selects the persistent store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// DSN is a file path for sqlite or a connection URL for postgres
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WorkerConfig configures the worker pool and the reaper.
type WorkerConfig struct {
	Concurrency    int      `yaml:"concurrency"`
	PollInterval   Duration `yaml:"poll_interval"`
	PollJitter     Duration `yaml:"poll_jitter"`
	HandlerTimeout Duration `yaml:"handler_timeout"`

	// MaxAttempts is how many times a failing task may be claimed. 1
	// disables automatic retry.
	MaxAttempts    int      `yaml:"max_attempts"`
	UnhealthyAfter int      `yaml:"unhealthy_after"`
	HealthAddr     string   `yaml:"health_addr"`
	ReapInterval   Duration `yaml:"reap_interval"`
	ReapThreshold  Duration `yaml:"reap_threshold"`
	ReconcileAfter Duration `yaml:"reconcile_after"`

	// StatusInterval is how often a work process publishes its presence
	// and status to Redis.
	StatusInterval Duration `yaml:"status_interval"`
}

// MeterConfig configures the billing meter.
type MeterConfig struct {
	MaxHeartbeatElapsed Duration `yaml:"max_heartbeat_elapsed"`
	FlushThreshold      Duration `yaml:"flush_threshold"`
	FlushInterval       Duration `yaml:"flush_interval"`
	HeartbeatTimeout    Duration `yaml:"heartbeat_timeout"`
	SessionLease        Duration `yaml:"session_lease"`
	SweepInterval       Duration `yaml:"sweep_interval"`
}

// BillingConfig holds the free-talktime rules.
type BillingConfig struct {
	SignupBonusSeconds     int64    `yaml:"signup_bonus_seconds"`
	CommunityRefillSeconds int64    `yaml:"community_refill_seconds"`
	CommunityRefillEvery   Duration `yaml:"community_refill_every"`
}

type PaymentsConfig struct {
	// Secret is the gateway key used to verify confirmation signatures
	Secret        string `yaml:"secret"`
	CreditSeconds int64  `yaml:"credit_seconds"`
}

// MailConfig enables SES delivery when From is set.
type MailConfig struct {
	From   string `yaml:"from"`
	Region string `yaml:"region"`
}

type GeneratorConfig struct {
	URL     string   `yaml:"url"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout"`
}

// Limit is a token-bucket rate.
type Limit struct {
	// PerSecond may be fractional: 20/hour is 0.00556
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// RateLimitConfig holds per-user limits by endpoint class.
type RateLimitConfig struct {
	Heartbeat Limit `yaml:"heartbeat"`
	Payment   Limit `yaml:"payment"`
	Default   Limit `yaml:"default"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "talktime.db"},
		Redis:    RedisConfig{URL: "redis://localhost:6379/0"},
		Server:   ServerConfig{Addr: ":8080"},
		Worker: WorkerConfig{
			Concurrency:    1,
			PollInterval:   Duration(2 * time.Second),
			PollJitter:     Duration(time.Second),
			HandlerTimeout: Duration(2 * time.Minute),
			MaxAttempts:    1,
			UnhealthyAfter: 5,
			HealthAddr:     ":8081",
			ReapInterval:   Duration(time.Minute),
			ReapThreshold:  Duration(time.Hour),
			ReconcileAfter: Duration(time.Minute),
			StatusInterval: Duration(30 * time.Second),
		},
		Meter: MeterConfig{
			MaxHeartbeatElapsed: Duration(15 * time.Second),
			FlushThreshold:      Duration(time.Second),
			FlushInterval:       Duration(30 * time.Second),
			HeartbeatTimeout:    Duration(30 * time.Second),
			SessionLease:        Duration(time.Hour),
			SweepInterval:       Duration(10 * time.Second),
		},
		Billing: BillingConfig{
			SignupBonusSeconds:     180,
			CommunityRefillSeconds: 900,
			CommunityRefillEvery:   Duration(30 * 24 * time.Hour),
		},
		Payments:  PaymentsConfig{CreditSeconds: 100},
		Generator: GeneratorConfig{Timeout: Duration(60 * time.Second)},
		RateLimit: RateLimitConfig{
			Heartbeat: Limit{PerSecond: 2, Burst: 4},
			Payment:   Limit{PerSecond: 20.0 / 3600, Burst: 3},
			Default:   Limit{PerSecond: 5, Burst: 10},
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty), and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv() {
	c.Database.Driver = getEnvOrDefault("TALKTIME_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnvOrDefault("TALKTIME_DB_DSN", getEnvOrDefault("DATABASE_URL", c.Database.DSN))
	c.Redis.URL = getEnvOrDefault("REDIS_URL", c.Redis.URL)
	c.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Server.Addr = getEnvOrDefault("TALKTIME_ADDR", c.Server.Addr)
	if origins := os.Getenv("TALKTIME_ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitCSV(origins)
	}

	c.Worker.Concurrency = getEnvInt("TALKTIME_WORKER_CONCURRENCY", c.Worker.Concurrency)
	c.Worker.MaxAttempts = getEnvInt("TALKTIME_WORKER_MAX_ATTEMPTS", c.Worker.MaxAttempts)
	c.Worker.HealthAddr = getEnvOrDefault("TALKTIME_HEALTH_ADDR", c.Worker.HealthAddr)
	c.Worker.PollInterval = getEnvDuration("TALKTIME_POLL_INTERVAL", c.Worker.PollInterval)
	c.Worker.ReapThreshold = getEnvDuration("TALKTIME_REAP_THRESHOLD", c.Worker.ReapThreshold)

	c.Payments.Secret = getEnvOrDefault("TALKTIME_PAYMENT_SECRET", c.Payments.Secret)
	c.Mail.From = getEnvOrDefault("SES_FROM_EMAIL", c.Mail.From)
	c.Mail.Region = getEnvOrDefault("AWS_REGION", c.Mail.Region)
	c.Generator.URL = getEnvOrDefault("TALKTIME_GENERATOR_URL", c.Generator.URL)
	c.Generator.APIKey = getEnvOrDefault("TALKTIME_GENERATOR_API_KEY", c.Generator.APIKey)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDriver, c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return ErrMissingDSN
	}
	if c.Redis.URL == "" {
		return ErrMissingRedisURL
	}
	if c.Worker.Concurrency < 1 {
		return ErrInvalidConcurrency
	}
	if c.Worker.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if c.Payments.CreditSeconds < 0 || c.Billing.SignupBonusSeconds < 0 || c.Billing.CommunityRefillSeconds < 0 {
		return ErrNegativeSeconds
	}

	durations := map[string]Duration{
		"worker.poll_interval":           c.Worker.PollInterval,
		"worker.handler_timeout":         c.Worker.HandlerTimeout,
		"worker.reap_interval":           c.Worker.ReapInterval,
		"worker.reap_threshold":          c.Worker.ReapThreshold,
		"worker.reconcile_after":         c.Worker.ReconcileAfter,
		"worker.status_interval":         c.Worker.StatusInterval,
		"meter.max_heartbeat_elapsed":    c.Meter.MaxHeartbeatElapsed,
		"meter.flush_threshold":          c.Meter.FlushThreshold,
		"meter.flush_interval":           c.Meter.FlushInterval,
		"meter.heartbeat_timeout":        c.Meter.HeartbeatTimeout,
		"meter.session_lease":            c.Meter.SessionLease,
		"meter.sweep_interval":           c.Meter.SweepInterval,
		"billing.community_refill_every": c.Billing.CommunityRefillEvery,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s", ErrNonPositiveDuration, name)
		}
	}
	if c.Worker.PollJitter < 0 || c.Worker.PollJitter >= c.Worker.PollInterval {
		return ErrInvalidJitter
	}

	limits := map[string]Limit{
		"heartbeat": c.RateLimit.Heartbeat,
		"payment":   c.RateLimit.Payment,
		"default":   c.RateLimit.Default,
	}
	for name, l := range limits {
		if l.PerSecond <= 0 || l.Burst < 1 {
			return fmt.Errorf("%w: %s", ErrInvalidRateLimit, name)
		}
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an int or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return Duration(d)
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

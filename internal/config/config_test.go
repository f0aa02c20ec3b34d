package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Payments.CreditSeconds != 100 {
		t.Errorf("CreditSeconds = %d, want 100", cfg.Payments.CreditSeconds)
	}
	if cfg.Meter.HeartbeatTimeout.D() != 30*time.Second {
		t.Errorf("HeartbeatTimeout = %s, want 30s", cfg.Meter.HeartbeatTimeout)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "talktime.yaml")
	data := `
database:
  driver: postgres
  dsn: postgres://localhost/talktime
worker:
  concurrency: 4
  poll_interval: 5s
  handler_timeout: 90
meter:
  flush_interval: 1m
payments:
  credit_seconds: 300
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TALKTIME_WORKER_CONCURRENCY", "8")
	t.Setenv("TALKTIME_PAYMENT_SECRET", "shh")
	t.Setenv("TALKTIME_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://localhost/talktime" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Errorf("Concurrency = %d, env should win", cfg.Worker.Concurrency)
	}
	if cfg.Worker.PollInterval.D() != 5*time.Second {
		t.Errorf("PollInterval = %s", cfg.Worker.PollInterval)
	}
	if cfg.Worker.HandlerTimeout.D() != 90*time.Second {
		t.Errorf("HandlerTimeout = %s, bare numbers are seconds", cfg.Worker.HandlerTimeout)
	}
	if cfg.Meter.FlushInterval.D() != time.Minute {
		t.Errorf("FlushInterval = %s", cfg.Meter.FlushInterval)
	}
	if cfg.Meter.HeartbeatTimeout.D() != 30*time.Second {
		t.Errorf("unset fields should keep defaults, HeartbeatTimeout = %s", cfg.Meter.HeartbeatTimeout)
	}
	if cfg.Payments.CreditSeconds != 300 || cfg.Payments.Secret != "shh" {
		t.Errorf("payments = %+v", cfg.Payments)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("worker:\n  poll_interval: soon\n"), 0o600)
	if _, err := Load(path); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, ErrInvalidDriver},
		{"no dsn", func(c *Config) { c.Database.DSN = "" }, ErrMissingDSN},
		{"no redis", func(c *Config) { c.Redis.URL = "" }, ErrMissingRedisURL},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, ErrInvalidConcurrency},
		{"zero attempts", func(c *Config) { c.Worker.MaxAttempts = 0 }, ErrInvalidMaxAttempts},
		{"zero flush interval", func(c *Config) { c.Meter.FlushInterval = 0 }, ErrNonPositiveDuration},
		{"negative lease", func(c *Config) { c.Meter.SessionLease = Duration(-time.Second) }, ErrNonPositiveDuration},
		{"jitter too large", func(c *Config) { c.Worker.PollJitter = c.Worker.PollInterval }, ErrInvalidJitter},
		{"negative credit", func(c *Config) { c.Payments.CreditSeconds = -1 }, ErrNegativeSeconds},
		{"zero burst", func(c *Config) { c.RateLimit.Payment.Burst = 0 }, ErrInvalidRateLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

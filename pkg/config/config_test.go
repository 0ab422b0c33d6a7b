package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.Redis.Enabled = true
	cfg.Postgres.Enabled = true
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid, got: %v", err)
	}
	if err := validBaseConfig().Validate(); err != nil {
		t.Fatalf("base config should be valid, got: %v", err)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"server address empty", func(c *Config) { c.Server.Address = "" }},
		{"controller id empty", func(c *Config) { c.Controller.ID = "" }},
		{"controller cluster empty", func(c *Config) { c.Controller.Cluster = "" }},
		{"unknown internal protocol", func(c *Config) { c.Controller.InternalConnProtocol = "udp" }},
		{"rpc timeout zero", func(c *Config) { c.Controller.RPCTimeout = 0 }},
		{"operation shorter than rpc", func(c *Config) { c.Controller.OperationTimeout = time.Second }},
		{"rabbitmq url empty", func(c *Config) { c.RabbitMQ.URL = "" }},
		{"fault exchange empty", func(c *Config) { c.RabbitMQ.FaultExchange = "" }},
		{"reply timeout zero", func(c *Config) { c.RabbitMQ.ReplyTimeout = 0 }},
		{"conn attempts zero", func(c *Config) { c.RabbitMQ.ConnAttempts = 0 }},
		{"negative scheduler retries", func(c *Config) { c.Scheduler.Retry.MaxAttempts = -1 }},
		{"scheduler breaker threshold", func(c *Config) { c.Scheduler.CircuitBreaker.FailureThreshold = 0 }},
		{"node breaker threshold", func(c *Config) { c.MediaNode.CircuitBreaker.FailureThreshold = 0 }},
		{"redis address empty", func(c *Config) { c.Redis.Address = "" }},
		{"redis pool size", func(c *Config) { c.Redis.PoolSize = 0 }},
		{"redis ownership ttl", func(c *Config) { c.Redis.OwnershipTTL = 0 }},
		{"postgres url empty", func(c *Config) { c.Postgres.URL = "" }},
		{"postgres table empty", func(c *Config) { c.Postgres.RoomsTable = "" }},
		{"signal path empty", func(c *Config) { c.Signal.Path = "" }},
		{"pong before ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst must be > 0", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"ws messages per second", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"ws max message size", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Controller.Cluster != "owt-cluster" {
		t.Errorf("expected default cluster, got %q", cfg.Controller.Cluster)
	}
}

func TestLoad_YAMLOverlayAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomctl.yaml")
	data := []byte(`
controller:
  id: ctrl-7
  rpc_timeout: 5s
  origin:
    isp: isp-a
    region: eu
rabbitmq:
  reply_timeout: 3s
logging:
  level: debug
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ROOMCTL_LOG_LEVEL", "warn")
	t.Setenv("ROOMCTL_TRACING_ENABLED", "true")
	t.Setenv("ROOMCTL_CONTROLLER_REGION", "us")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Controller.ID != "ctrl-7" {
		t.Errorf("controller.id = %q", cfg.Controller.ID)
	}
	if cfg.Controller.Origin.ISP != "isp-a" {
		t.Errorf("controller.origin.isp = %q", cfg.Controller.Origin.ISP)
	}
	if cfg.Controller.Origin.Region != "us" {
		t.Errorf("env override should win, controller.origin.region = %q", cfg.Controller.Origin.Region)
	}
	if cfg.Controller.RPCTimeout != 5*time.Second {
		t.Errorf("controller.rpc_timeout = %v", cfg.Controller.RPCTimeout)
	}
	if cfg.RabbitMQ.ReplyTimeout != 3*time.Second {
		t.Errorf("rabbitmq.reply_timeout = %v", cfg.RabbitMQ.ReplyTimeout)
	}
	if cfg.Controller.Cluster != "owt-cluster" {
		t.Errorf("unset keys should keep defaults, cluster = %q", cfg.Controller.Cluster)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("env override should win, level = %q", cfg.Logging.Level)
	}
	if !cfg.Tracing.Enabled {
		t.Errorf("tracing should be enabled from env")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("controller: [1, 2"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

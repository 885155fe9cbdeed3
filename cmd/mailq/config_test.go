package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xraph/mailq"
	"github.com/xraph/mailq/transport/smtp"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()
	missing := filepath.Join(t.TempDir(), "mailq.yaml")

	cfg, err := LoadConfig(missing, false)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "mailq.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Library() != mailq.DefaultConfig() {
		t.Errorf("scheduler defaults = %+v, want %+v", cfg.Library(), mailq.DefaultConfig())
	}

	if _, err := LoadConfig(missing, true); err == nil {
		t.Error("explicit missing config accepted")
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "mailq.yaml", `
store:
  driver: postgres
  dsn: postgres://mailq@localhost/mailq
scheduler:
  concurrency: 8
  backoff_base: 10s
  backoff_cap: 5m
  instance: node-a
  claim_ttl: 15m
  throttle:
    - transport: smtp
      max_concurrency: 2
      rate: 0.5
      burst: 3
transports:
  smtp:
    host: mail.example.com
    port: 587
    security: starttls
    timeout: 15s
wake:
  periodic: "*/5 * * * *"
  network:
    probe_addr: mail.example.com:587
retention:
  max_age: 720h
api:
  addr: ":8080"
log:
  level: debug
`)

	cfg, err := LoadConfig(path, true)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	lib := cfg.Library()
	if lib.Concurrency != 8 || lib.BackoffBase != 10*time.Second || lib.BackoffCap != 5*time.Minute {
		t.Errorf("scheduler = %+v", lib)
	}
	if lib.MaxAttempts != mailq.DefaultConfig().MaxAttempts {
		t.Errorf("unset max_attempts = %d, want default", lib.MaxAttempts)
	}
	if lib.Instance != "node-a" || lib.ClaimTTL != 15*time.Minute {
		t.Errorf("instance=%q claim_ttl=%s", lib.Instance, lib.ClaimTTL)
	}

	limits := cfg.Limits()
	if len(limits) != 1 || limits[0].Transport != "smtp" || limits[0].MaxConcurrency != 2 ||
		limits[0].Rate != 0.5 || limits[0].Burst != 3 {
		t.Errorf("limits = %+v", limits)
	}

	s := cfg.Transports.SMTP
	if s == nil || s.Host != "mail.example.com" || s.Port != 587 ||
		s.Security != smtp.SecurityStartTLS || s.Timeout != 15*time.Second {
		t.Errorf("smtp = %+v", s)
	}
	if cfg.Transports.Resend != nil || cfg.Transports.Webhook != nil {
		t.Error("unconfigured transports are enabled")
	}

	if cfg.Wake.Periodic != "*/5 * * * *" || cfg.Wake.Network.Interval == 0 {
		t.Errorf("wake = %+v", cfg.Wake)
	}
	if cfg.Retention.MaxAge != 720*time.Hour || cfg.Retention.Schedule == "" {
		t.Errorf("retention = %+v", cfg.Retention)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Store.Driver = "bolt" }, "unknown store driver"},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"redis without addr", func(c *Config) { c.Store.Driver = "redis"; c.Redis.Addr = "" }, "redis.addr"},
		{"redis wake without addr", func(c *Config) { c.Wake.Redis.Enabled = true; c.Redis.Addr = "" }, "redis.addr"},
		{"negative retention", func(c *Config) { c.Retention.MaxAge = -time.Hour }, "retention.max_age"},
		{"throttle without transport", func(c *Config) {
			c.Scheduler.Throttle = []ThrottleLimit{{Rate: 1}}
		}, "throttle"},
		{"zero concurrency", func(c *Config) { c.Scheduler.Concurrency = 0 }, "concurrency"},
		{"cap below base", func(c *Config) { c.Scheduler.BackoffCap = time.Second }, "backoff cap"},
		{"claim ttl within attempt timeout", func(c *Config) { c.Scheduler.ClaimTTL = time.Minute }, "claim ttl"},
		{"zero claim ttl", func(c *Config) { c.Scheduler.ClaimTTL = 0 }, "claim ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "bad.yaml", "scheduler:\n  concurrency: lots\n")
	if _, err := LoadConfig(path, true); err == nil {
		t.Error("bad yaml accepted")
	}
}

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xraph/mailq"
	"github.com/xraph/mailq/retention"
	"github.com/xraph/mailq/throttle"
	"github.com/xraph/mailq/transport/resend"
	"github.com/xraph/mailq/transport/smtp"
	"github.com/xraph/mailq/transport/webhook"
	"github.com/xraph/mailq/wake"
)

// Config is the daemon configuration file.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Transports TransportsConfig `yaml:"transports"`
	Wake       WakeConfig       `yaml:"wake"`
	Retention  RetentionConfig  `yaml:"retention"`
	API        APIConfig        `yaml:"api"`
	Log        LogConfig        `yaml:"log"`
	Sentry     SentryConfig     `yaml:"sentry"`
}

// StoreConfig selects the job store.
type StoreConfig struct {
	// Driver is sqlite, postgres, redis or memory.
	Driver string `yaml:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisConfig is shared by the redis store and the redis wake channel.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SchedulerConfig maps onto mailq.Config plus per-transport limits.
type SchedulerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	MaxAttempts     int           `yaml:"max_attempts"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffCap      time.Duration `yaml:"backoff_cap"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Instance must differ between daemons sharing a store. Empty means
	// the host name.
	Instance string          `yaml:"instance"`
	ClaimTTL time.Duration   `yaml:"claim_ttl"`
	Throttle []ThrottleLimit `yaml:"throttle"`
}

// ThrottleLimit caps one transport.
type ThrottleLimit struct {
	Transport      string  `yaml:"transport"`
	MaxConcurrency int     `yaml:"max_concurrency"`
	Rate           float64 `yaml:"rate"`
	Burst          int     `yaml:"burst"`
}

// TransportsConfig enables transports by name. A nil section is disabled.
type TransportsConfig struct {
	SMTP    *smtp.Config    `yaml:"smtp"`
	Resend  *resend.Config  `yaml:"resend"`
	Webhook *webhook.Config `yaml:"webhook"`
}

// WakeConfig enables the optional wake sources.
type WakeConfig struct {
	// Periodic is a cron spec; empty disables the keep-alive wake.
	Periodic string            `yaml:"periodic"`
	Network  NetworkWakeConfig `yaml:"network"`
	// Redis publishes a wake on enqueue and subscribes to wakes from
	// other processes sharing the store.
	Redis RedisWakeConfig `yaml:"redis"`
}

// NetworkWakeConfig wakes the scheduler when a probe address becomes
// reachable again.
type NetworkWakeConfig struct {
	ProbeAddr    string        `yaml:"probe_addr"`
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// RedisWakeConfig uses the shared Redis client.
type RedisWakeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Channel string `yaml:"channel"`
}

// RetentionConfig enables the purge of old terminal jobs. Zero MaxAge
// keeps jobs forever.
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"`
	Schedule string        `yaml:"schedule"`
}

// APIConfig enables the HTTP caller API when Addr is set.
type APIConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	AccessLog         bool          `yaml:"access_log"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
	MinLevel    string `yaml:"min_level"`
}

// DefaultConfig stores jobs in ./mailq.db with the library defaults.
func DefaultConfig() Config {
	lib := mailq.DefaultConfig()
	return Config{
		Store: StoreConfig{Driver: "sqlite", Path: "mailq.db"},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Scheduler: SchedulerConfig{
			Concurrency:     lib.Concurrency,
			MaxAttempts:     lib.MaxAttempts,
			BackoffBase:     lib.BackoffBase,
			BackoffCap:      lib.BackoffCap,
			AttemptTimeout:  lib.AttemptTimeout,
			MaxPollInterval: lib.MaxPollInterval,
			ShutdownTimeout: lib.ShutdownTimeout,
			Instance:        lib.Instance,
			ClaimTTL:        lib.ClaimTTL,
		},
		Wake: WakeConfig{
			Periodic: wake.DefaultPeriodicSchedule,
			Network:  NetworkWakeConfig{Interval: wake.DefaultProbeInterval, ProbeTimeout: 5 * time.Second},
		},
		Retention: RetentionConfig{Schedule: retention.DefaultSchedule},
		API:       APIConfig{ReadHeaderTimeout: 10 * time.Second},
		Log:       LogConfig{Format: "json", Level: "info"},
	}
}

// LoadConfig reads path over DefaultConfig. A missing file at the default
// path is not an error; an explicit path must exist.
func LoadConfig(path string, explicit bool) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the fields the library constructors do not.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("config: store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("config: store.dsn is required for postgres")
		}
	case "redis", "memory":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.usesRedis() && c.Redis.Addr == "" {
		return errors.New("config: redis.addr is required")
	}
	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("config: retention.max_age must not be negative, got %s", c.Retention.MaxAge)
	}
	for _, l := range c.Scheduler.Throttle {
		if l.Transport == "" {
			return errors.New("config: throttle entry without transport")
		}
	}
	return c.Library().Validate()
}

// Library returns the mailq.Config for the scheduler section.
func (c Config) Library() mailq.Config {
	s := c.Scheduler
	return mailq.Config{
		Concurrency:     s.Concurrency,
		MaxAttempts:     s.MaxAttempts,
		BackoffBase:     s.BackoffBase,
		BackoffCap:      s.BackoffCap,
		AttemptTimeout:  s.AttemptTimeout,
		MaxPollInterval: s.MaxPollInterval,
		ShutdownTimeout: s.ShutdownTimeout,
		Instance:        s.Instance,
		ClaimTTL:        s.ClaimTTL,
	}
}

// Limits converts the throttle section.
func (c Config) Limits() []throttle.Limit {
	limits := make([]throttle.Limit, 0, len(c.Scheduler.Throttle))
	for _, l := range c.Scheduler.Throttle {
		limits = append(limits, throttle.Limit{
			Transport:      l.Transport,
			MaxConcurrency: l.MaxConcurrency,
			Rate:           l.Rate,
			Burst:          l.Burst,
		})
	}
	return limits
}

func (c Config) usesRedis() bool {
	return c.Store.Driver == "redis" || c.Wake.Redis.Enabled
}

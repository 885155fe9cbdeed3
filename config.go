package mailq

import (
	"fmt"
	"time"
)

// Config holds configuration for the Dispatcher.
type Config struct {
	// Concurrency is the maximum number of dispatch attempts in flight.
	Concurrency int

	// MaxAttempts is the default attempt budget for new jobs.
	MaxAttempts int

	// BackoffBase is the base delay b of the retry formula
	// min(BackoffCap, b * 2^attempts) + jitter(0..b).
	BackoffBase time.Duration

	// BackoffCap is the upper bound c of the exponential term.
	BackoffCap time.Duration

	// AttemptTimeout bounds a single transport call. Zero disables it.
	AttemptTimeout time.Duration

	// MaxPollInterval is the longest the scheduler sleeps between wakes,
	// even when no job is due.
	MaxPollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight attempts.
	ShutdownTimeout time.Duration

	// Instance names this scheduler's claims. Schedulers sharing a store
	// need distinct names, each stable across restarts. Empty means the
	// host name.
	Instance string

	// ClaimTTL is how old another instance's running claim must be before
	// this scheduler takes it back. It must exceed AttemptTimeout.
	ClaimTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		MaxAttempts:     5,
		BackoffBase:     30 * time.Second,
		BackoffCap:      30 * time.Minute,
		AttemptTimeout:  60 * time.Second,
		MaxPollInterval: 15 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		ClaimTTL:        10 * time.Minute,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Concurrency < 1:
		return fmt.Errorf("mailq: concurrency must be >= 1, got %d", c.Concurrency)
	case c.MaxAttempts < 1:
		return fmt.Errorf("mailq: max attempts must be >= 1, got %d", c.MaxAttempts)
	case c.BackoffBase <= 0:
		return fmt.Errorf("mailq: backoff base must be positive, got %s", c.BackoffBase)
	case c.BackoffCap < c.BackoffBase:
		return fmt.Errorf("mailq: backoff cap %s is below base %s", c.BackoffCap, c.BackoffBase)
	case c.AttemptTimeout < 0:
		return fmt.Errorf("mailq: attempt timeout must not be negative, got %s", c.AttemptTimeout)
	case c.MaxPollInterval <= 0:
		return fmt.Errorf("mailq: max poll interval must be positive, got %s", c.MaxPollInterval)
	case c.ClaimTTL <= 0:
		return fmt.Errorf("mailq: claim ttl must be positive, got %s", c.ClaimTTL)
	case c.AttemptTimeout > 0 && c.ClaimTTL <= c.AttemptTimeout:
		return fmt.Errorf("mailq: claim ttl %s must exceed attempt timeout %s", c.ClaimTTL, c.AttemptTimeout)
	}
	return nil
}

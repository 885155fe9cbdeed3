// Package backoff computes retry delays for failed dispatch attempts.
// Strategies are stateless apart from their jitter source and safe for
// concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/xraph/mailq/job"
)

// Strategy computes the delay before the next attempt.
type Strategy interface {
	// Delay returns how long to wait after attempt number attempts
	// (1-indexed) failed.
	Delay(attempts int) time.Duration
}

// Policy combines a delay Strategy with the attempt budget and the
// failure-class rules.
type Policy struct {
	Strategy    Strategy
	MaxAttempts int
}

// NextDelay reports the delay before the next attempt of a job that has
// made attempts attempts and last failed with class. ok is false when the
// job must fail instead: the failure is permanent or the budget is spent.
func (p Policy) NextDelay(attempts int, class job.FailureClass) (delay time.Duration, ok bool) {
	if class == job.ClassPermanent {
		return 0, false
	}
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return 0, false
	}
	s := p.Strategy
	if s == nil {
		s = DefaultStrategy()
	}
	d := s.Delay(attempts)
	if d < 0 {
		d = 0
	}
	return d, true
}

// ──────────────────────────────────────────────────
// Capped (default)
// ──────────────────────────────────────────────────

// Capped is exponential growth with a hard cap plus bounded jitter.
// Delay = min(Cap, Base * 2^attempts) + rand[0, Base).
type Capped struct {
	Base time.Duration
	Cap  time.Duration

	// Jitter returns a value in [0, n). Nil uses math/rand/v2.
	Jitter func(n int64) int64
}

// NewCapped creates a capped exponential strategy with jitter.
func NewCapped(base, maxDelay time.Duration) *Capped {
	return &Capped{Base: base, Cap: maxDelay}
}

// Delay returns min(Cap, Base * 2^attempts) plus up to Base of jitter.
func (c *Capped) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	grown := float64(c.Base) * math.Pow(2, float64(attempts))
	d := time.Duration(math.MaxInt64)
	if grown < float64(math.MaxInt64) {
		d = time.Duration(grown)
	}
	if c.Cap > 0 && d > c.Cap {
		d = c.Cap
	}
	if c.Base > 0 && d < time.Duration(math.MaxInt64)-c.Base {
		jitter := c.Jitter
		if jitter == nil {
			jitter = rand.Int64N //nolint:gosec // jitter intentionally uses non-crypto rand
		}
		d += time.Duration(jitter(int64(c.Base)))
	}
	return d
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear increases the delay linearly with the attempt number.
// Delay = min(Initial * attempts, Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * attempts, capped at Max.
func (l *Linear) Delay(attempts int) time.Duration {
	d := l.Initial * time.Duration(attempts)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt without jitter.
// Delay = min(Initial * 2^(attempts-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempts-1), capped at Max.
func (e *Exponential) Delay(attempts int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempts-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns Capped with a 30s base and a 30m cap.
func DefaultStrategy() Strategy {
	return NewCapped(30*time.Second, 30*time.Minute)
}

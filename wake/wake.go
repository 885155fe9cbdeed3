// Package wake decides when the scheduler runs a dispatch cycle.
//
// The scheduler tells a [Coordinator] the earliest time it wants to run
// again. Independently, a [Source] may nudge it at any moment: a periodic
// keep-alive, restored network connectivity, or a notification from another
// process. Wakes are hints. The scheduler tolerates wakes that arrive late,
// early, twice or not at all, because every cycle re-reads the store.
//
// Implementations:
//
//   - [Timer]: in-process alarm, the default Coordinator. It is also a Source
//     so it can be run alongside the others.
//   - [Periodic]: cron keep-alive, "@every 15m" by default.
//   - [Network]: fires when a connectivity probe goes from failing to passing.
//   - package rediswake: Redis pub/sub between processes.
package wake

import (
	"context"
	"log/slog"
	"time"
)

// Coordinator arranges for the scheduler to be woken at or after t.
// Calls never block and a later call with an earlier time wins.
type Coordinator interface {
	ScheduleWakeAt(t time.Time)
}

// Source produces wakes on its own schedule. Run calls wake until ctx ends
// and returns nil on a clean shutdown.
type Source interface {
	Name() string
	Run(ctx context.Context, wake func()) error
}

// CoordinatorFunc adapts a function to Coordinator.
type CoordinatorFunc func(t time.Time)

// ScheduleWakeAt calls f(t).
func (f CoordinatorFunc) ScheduleWakeAt(t time.Time) { f(t) }

// Option configures the wake sources in this package.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration
	location *time.Location
}

func newOptions(opts []Option) options {
	o := options{
		logger:   slog.Default(),
		now:      time.Now,
		location: time.UTC,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source used by Timer.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithInterval sets how often Network probes.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithLocation sets the time zone Periodic evaluates its schedule in.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.location = loc
		}
	}
}

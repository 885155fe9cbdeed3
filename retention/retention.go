// Package retention removes old terminal jobs on a schedule. Jobs are kept
// after they succeed, fail or are cancelled so callers can read the
// outcome; a Janitor bounds how long that history grows.
//
// Retention is opt-in. Without a Janitor, terminal jobs stay until purged
// one by one.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xraph/mailq/job"
)

// DefaultSchedule runs the janitor once an hour.
const DefaultSchedule = "@hourly"

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Purger is the part of job.Store a Janitor needs.
type Purger interface {
	PurgeTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

var _ Purger = (job.Store)(nil)

// Option configures a Janitor.
type Option func(*Janitor)

// WithSchedule sets the cron expression. Empty means DefaultSchedule.
func WithSchedule(spec string) Option {
	return func(j *Janitor) {
		if spec != "" {
			j.spec = spec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Janitor) {
		if l != nil {
			j.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// Janitor purges terminal jobs last updated more than maxAge ago.
type Janitor struct {
	store    Purger
	maxAge   time.Duration
	spec     string
	schedule cron.Schedule
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Janitor. maxAge must be positive.
func New(store Purger, maxAge time.Duration, opts ...Option) (*Janitor, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("mailq/retention: max age must be positive, got %s", maxAge)
	}
	j := &Janitor{
		store:  store,
		maxAge: maxAge,
		spec:   DefaultSchedule,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	sched, err := cronParser.Parse(j.spec)
	if err != nil {
		return nil, fmt.Errorf("mailq/retention: invalid schedule %q: %w", j.spec, err)
	}
	j.schedule = sched
	return j, nil
}

// RunOnce purges once and returns how many jobs were removed.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.maxAge)
	n, err := j.store.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		j.logger.Info("retention purged terminal jobs",
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

// Run purges on the schedule until ctx ends. Failures are logged and the
// next tick tries again.
func (j *Janitor) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC))
	c.Schedule(j.schedule, cron.FuncJob(func() {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("retention purge failed", slog.String("error", err.Error()))
		}
	}))
	c.Start()
	j.logger.Info("retention janitor started",
		slog.String("schedule", j.spec),
		slog.Duration("max_age", j.maxAge),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

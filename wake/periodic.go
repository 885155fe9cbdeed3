package wake

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultPeriodicSchedule wakes the scheduler every fifteen minutes so
// delayed retries are picked up even when every other signal is lost.
const DefaultPeriodicSchedule = "@every 15m"

// cronParser accepts the standard five fields and descriptors like "@hourly"
// or "@every 30s".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Periodic wakes the scheduler on a cron schedule.
type Periodic struct {
	spec     string
	schedule cron.Schedule
	opts     options
}

var _ Source = (*Periodic)(nil)

// NewPeriodic parses spec and returns a keep-alive source. An empty spec
// means DefaultPeriodicSchedule.
func NewPeriodic(spec string, opts ...Option) (*Periodic, error) {
	if spec == "" {
		spec = DefaultPeriodicSchedule
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("mailq/wake: invalid periodic schedule %q: %w", spec, err)
	}
	return &Periodic{spec: spec, schedule: sched, opts: newOptions(opts)}, nil
}

// Name implements Source.
func (p *Periodic) Name() string { return "periodic" }

// Spec returns the schedule expression.
func (p *Periodic) Spec() string { return p.spec }

// Run fires wake on every tick until ctx ends. A tick that is still
// running when ctx ends is waited for.
func (p *Periodic) Run(ctx context.Context, wake func()) error {
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(p.opts.location),
	)
	c.Schedule(p.schedule, cron.FuncJob(func() {
		p.opts.logger.Debug("periodic wake", slog.String("schedule", p.spec))
		wake()
	}))

	c.Start()
	p.opts.logger.Info("periodic wake started", slog.String("schedule", p.spec))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

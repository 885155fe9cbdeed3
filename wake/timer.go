package wake

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Timer is an in-process alarm. It keeps a single pending deadline: a
// request for an earlier time replaces it, a request for a later time is
// ignored until the pending one fires.
//
// A Timer fires into the function bound by Run. A deadline that expires
// while nothing is bound is remembered and delivered once Run starts.
type Timer struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	at      time.Time
	timer   *time.Timer
	gen     uint64
	wake    func()
	pending bool
}

var (
	_ Coordinator = (*Timer)(nil)
	_ Source      = (*Timer)(nil)
)

// NewTimer returns an idle Timer.
func NewTimer(opts ...Option) *Timer {
	o := newOptions(opts)
	return &Timer{logger: o.logger, now: o.now}
}

// Name implements Source.
func (t *Timer) Name() string { return "timer" }

// ScheduleWakeAt arms the alarm for at unless an earlier one is pending.
func (t *Timer) ScheduleWakeAt(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.at.IsZero() && !at.Before(t.at) {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.at = at

	delay := at.Sub(t.now())
	if delay < 0 {
		delay = 0
	}
	t.timer = time.AfterFunc(delay, func() { t.fire(gen) })
}

// Deadline returns the pending wake time. ok is false when none is armed.
func (t *Timer) Deadline() (at time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.at, !t.at.IsZero()
}

// Run binds wake and blocks until ctx ends, then disarms the alarm.
func (t *Timer) Run(ctx context.Context, wake func()) error {
	t.mu.Lock()
	t.wake = wake
	deliver := t.pending
	t.pending = false
	t.mu.Unlock()

	if deliver {
		wake()
	}

	<-ctx.Done()

	t.mu.Lock()
	t.wake = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.at = time.Time{}
	t.gen++
	t.mu.Unlock()
	return nil
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.at = time.Time{}
	t.timer = nil
	wake := t.wake
	if wake == nil {
		t.pending = true
	}
	t.mu.Unlock()

	if wake == nil {
		t.logger.Debug("wake timer fired before a scheduler was bound")
		return
	}
	wake()
}

package retention_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/retention"
	"github.com/xraph/mailq/store/memory"
)

var epoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// finish stores a job and drives it to a terminal state at finishedAt.
func finish(t *testing.T, s *memory.Store, key string, finishedAt time.Time, fail bool) *job.Job {
	t.Helper()
	ctx := context.Background()
	j := job.New(key, "smtp", nil, 1)
	j.NextAttemptAt = finishedAt
	if err := s.PutJob(ctx, j); err != nil {
		t.Fatalf("PutJob: %v", err)
	}
	claimed, err := s.MarkRunning(ctx, j.ID, "node-a", finishedAt)
	if err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	o := job.Succeeded(1, finishedAt)
	if fail {
		o = job.Fail(1, job.ClassPermanent, errors.New("550"), finishedAt)
	}
	if _, err := s.MarkResult(ctx, j.ID, o.For(claimed)); err != nil {
		t.Fatalf("MarkResult: %v", err)
	}
	return j
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		maxAge time.Duration
		opts   []retention.Option
	}{
		{"zero max age", 0, nil},
		{"negative max age", -time.Hour, nil},
		{"bad schedule", time.Hour, []retention.Option{retention.WithSchedule("sometimes")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := retention.New(memory.New(), tt.maxAge, tt.opts...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunOnce_PurgesOnlyOldTerminalJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New()

	old := finish(t, s, "old", epoch.Add(-48*time.Hour), false)
	oldFailed := finish(t, s, "old-failed", epoch.Add(-30*time.Hour), true)
	recent := finish(t, s, "recent", epoch.Add(-time.Hour), false)

	pending := job.New("pending", "smtp", nil, 1)
	pending.CreatedAt = epoch.Add(-72 * time.Hour)
	pending.UpdatedAt = pending.CreatedAt
	if err := s.PutJob(ctx, pending); err != nil {
		t.Fatalf("PutJob: %v", err)
	}

	jan, err := retention.New(s, 24*time.Hour, retention.WithClock(func() time.Time { return epoch }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n, err := jan.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Errorf("purged = %d, want 2", n)
	}

	for _, j := range []*job.Job{old, oldFailed} {
		if _, err := s.GetJob(ctx, j.ID); err == nil {
			t.Errorf("%s still present", j.IdempotencyKey)
		}
	}
	for _, j := range []*job.Job{recent, pending} {
		if _, err := s.GetJob(ctx, j.ID); err != nil {
			t.Errorf("%s removed: %v", j.IdempotencyKey, err)
		}
	}
}

type countingPurger struct {
	calls atomic.Int32
}

func (p *countingPurger) PurgeTerminalBefore(context.Context, time.Time) (int64, error) {
	p.calls.Add(1)
	return 0, nil
}

func TestRun_PurgesOnSchedule(t *testing.T) {
	t.Parallel()
	p := &countingPurger{}
	jan, err := retention.New(p, time.Hour, retention.WithSchedule("@every 1s"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- jan.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for p.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	if p.calls.Load() == 0 {
		t.Error("janitor never ran")
	}
}

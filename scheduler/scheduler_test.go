package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/mailq"
	"github.com/xraph/mailq/backoff"
	"github.com/xraph/mailq/ext"
	"github.com/xraph/mailq/id"
	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/scheduler"
	"github.com/xraph/mailq/store/memory"
	"github.com/xraph/mailq/throttle"
	"github.com/xraph/mailq/transport"
	"github.com/xraph/mailq/wake"
	"github.com/xraph/mailq/worker"
)

var epoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// coordinator records every requested wake time.
type coordinator struct {
	mu  sync.Mutex
	req []time.Time
}

func (c *coordinator) ScheduleWakeAt(t time.Time) {
	c.mu.Lock()
	c.req = append(c.req, t)
	c.mu.Unlock()
}

func (c *coordinator) last(t *testing.T) time.Time {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.req) == 0 {
		t.Fatal("no wake scheduled")
	}
	return c.req[len(c.req)-1]
}

// executor records the jobs it receives and blocks until released.
type executor struct {
	mu      sync.Mutex
	got     []string
	release chan struct{}
}

func (e *executor) Execute(ctx context.Context, j *job.Job) (*job.Job, error) {
	e.mu.Lock()
	e.got = append(e.got, j.IdempotencyKey)
	e.mu.Unlock()
	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
		}
	}
	return j, nil
}

func (e *executor) keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.got...)
}

// putAt stores a pending job created at created and due at due.
func putAt(t *testing.T, s job.Store, key, transportName string, due, created time.Time) *job.Job {
	t.Helper()
	j := job.New(key, transportName, []byte(`{}`), 3)
	j.CreatedAt = created
	j.UpdatedAt = created
	j.NextAttemptAt = due
	if err := s.PutJob(context.Background(), j); err != nil {
		t.Fatalf("PutJob(%s): %v", key, err)
	}
	return j
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func stateOf(t *testing.T, s job.Store, jobID id.JobID) job.State {
	t.Helper()
	j, err := s.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return j.State
}

func fixedClock() func() time.Time { return func() time.Time { return epoch } }

func TestRunCycle_DispatchesDueJobsUpToCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New()
	pool := worker.NewPool(2, nil)
	exec := &executor{release: make(chan struct{})}
	coord := &coordinator{}
	sched := scheduler.New(s, pool, exec, coord, scheduler.WithClock(fixedClock()))
	t.Cleanup(func() {
		close(exec.release)
		_ = pool.Stop(context.Background())
	})

	first := putAt(t, s, "first", "smtp", epoch, epoch.Add(-3*time.Second))
	second := putAt(t, s, "second", "smtp", epoch, epoch.Add(-2*time.Second))
	third := putAt(t, s, "third", "smtp", epoch, epoch.Add(-time.Second))
	later := putAt(t, s, "later", "smtp", epoch.Add(10*time.Minute), epoch)

	n, err := sched.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if n != 2 {
		t.Fatalf("dispatched = %d, want 2", n)
	}
	eventually(t, time.Second, func() bool { return len(exec.keys()) == 2 })

	for _, tc := range []struct {
		j    *job.Job
		want job.State
	}{
		{first, job.StateRunning},
		{second, job.StateRunning},
		{third, job.StatePending},
		{later, job.StatePending},
	} {
		if got := stateOf(t, s, tc.j.ID); got != tc.want {
			t.Errorf("%s state = %s, want %s", tc.j.IdempotencyKey, got, tc.want)
		}
	}

	// The third job is already due; a finishing attempt wakes for it, so
	// the timer is armed for the later job.
	if got := coord.last(t); !got.Equal(later.NextAttemptAt) {
		t.Errorf("wake at %v, want %v", got, later.NextAttemptAt)
	}
}

func TestRunCycle_EmptyStoreSleepsMaxPoll(t *testing.T) {
	t.Parallel()
	coord := &coordinator{}
	pool := worker.NewPool(1, nil)
	sched := scheduler.New(memory.New(), pool, &executor{}, coord,
		scheduler.WithClock(fixedClock()),
		scheduler.WithMaxPollInterval(time.Minute),
	)

	n, err := sched.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if n != 0 {
		t.Errorf("dispatched = %d, want 0", n)
	}
	if got, want := coord.last(t), epoch.Add(time.Minute); !got.Equal(want) {
		t.Errorf("wake at %v, want %v", got, want)
	}
}

func TestRunCycle_WakeNeverBeyondMaxPoll(t *testing.T) {
	t.Parallel()
	s := memory.New()
	coord := &coordinator{}
	sched := scheduler.New(s, worker.NewPool(1, nil), &executor{}, coord,
		scheduler.WithClock(fixedClock()),
		scheduler.WithMaxPollInterval(time.Minute),
	)
	putAt(t, s, "tomorrow", "smtp", epoch.Add(24*time.Hour), epoch)

	if _, err := sched.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got, want := coord.last(t), epoch.Add(time.Minute); !got.Equal(want) {
		t.Errorf("wake at %v, want %v", got, want)
	}
}

// conflictStore makes every claim lose the race.
type conflictStore struct {
	*memory.Store
}

func (conflictStore) MarkRunning(_ context.Context, jobID id.JobID, _ string, _ time.Time) (*job.Job, error) {
	return nil, fmt.Errorf("%w: %s", mailq.ErrConflict, jobID)
}

func TestRunCycle_SkipsConflicts(t *testing.T) {
	t.Parallel()
	s := conflictStore{memory.New()}
	exec := &executor{}
	sched := scheduler.New(s, worker.NewPool(2, nil), exec, &coordinator{}, scheduler.WithClock(fixedClock()))
	putAt(t, s, "contested", "smtp", epoch, epoch)

	n, err := sched.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if n != 0 {
		t.Errorf("dispatched = %d, want 0", n)
	}
	if got := exec.keys(); len(got) != 0 {
		t.Errorf("executed %v, want nothing", got)
	}
}

// brokenStore fails every due listing.
type brokenStore struct {
	*memory.Store
}

func (brokenStore) ListDue(context.Context, time.Time, int, ...string) ([]*job.Job, error) {
	return nil, errors.New("disk on fire")
}

func TestRunCycle_StoreErrorRetriesSoon(t *testing.T) {
	t.Parallel()
	coord := &coordinator{}
	sched := scheduler.New(brokenStore{memory.New()}, worker.NewPool(1, nil), &executor{}, coord,
		scheduler.WithClock(fixedClock()),
	)

	if _, err := sched.RunCycle(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got, want := coord.last(t), epoch.Add(5*time.Second); !got.Equal(want) {
		t.Errorf("wake at %v, want %v", got, want)
	}
}

func TestRunCycle_ThrottledJobStaysPending(t *testing.T) {
	t.Parallel()
	s := memory.New()
	coord := &coordinator{}
	exec := &executor{}
	pool := worker.NewPool(4, nil)
	limits := throttle.NewManager(throttle.Limit{Transport: "resend", Rate: 1, Burst: 1})
	sched := scheduler.New(s, pool, exec, coord,
		scheduler.WithClock(fixedClock()),
		scheduler.WithThrottle(limits),
	)
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	a := putAt(t, s, "a", "resend", epoch, epoch.Add(-2*time.Second))
	b := putAt(t, s, "b", "resend", epoch, epoch.Add(-time.Second))
	c := putAt(t, s, "c", "smtp", epoch, epoch)

	n, err := sched.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if n != 2 {
		t.Fatalf("dispatched = %d, want 2", n)
	}
	eventually(t, time.Second, func() bool { return len(exec.keys()) == 2 })

	if got := stateOf(t, s, a.ID); got == job.StatePending {
		t.Errorf("a was not dispatched")
	}
	if got := stateOf(t, s, b.ID); got != job.StatePending {
		t.Errorf("b state = %s, want pending", got)
	}
	if got := stateOf(t, s, c.ID); got == job.StatePending {
		t.Errorf("c was not dispatched")
	}

	// The rate limiter asks for a retry within about a second.
	if got := coord.last(t); !got.After(epoch) || got.After(epoch.Add(2*time.Second)) {
		t.Errorf("wake at %v, want within (epoch, epoch+2s]", got)
	}
}

// busyPool returns a pool whose only slot is taken until the test ends,
// so cycles claim nothing and recovered jobs stay visible.
func busyPool(t *testing.T) *worker.Pool {
	t.Helper()
	pool := worker.NewPool(1, nil)
	block := make(chan struct{})
	if ok, err := pool.Submit(id.NewJobID(), func(context.Context) { <-block }); !ok || err != nil {
		t.Fatalf("Submit: %v, %v", ok, err)
	}
	t.Cleanup(func() {
		close(block)
		_ = pool.Stop(context.Background())
	})
	return pool
}

func claimAs(t *testing.T, s job.Store, j *job.Job, owner string, at time.Time) {
	t.Helper()
	if _, err := s.MarkRunning(context.Background(), j.ID, owner, at); err != nil {
		t.Fatalf("MarkRunning(%s, %s): %v", j.IdempotencyKey, owner, err)
	}
}

func TestRunCycle_ThrottledTransportDoesNotStarveOthers(t *testing.T) {
	t.Parallel()
	s := memory.New()
	exec := &executor{release: make(chan struct{})}
	pool := worker.NewPool(2, nil)
	limits := throttle.NewManager(throttle.Limit{Transport: "slow", MaxConcurrency: 1})
	sched := scheduler.New(s, pool, exec, &coordinator{},
		scheduler.WithClock(fixedClock()),
		scheduler.WithThrottle(limits),
	)
	t.Cleanup(func() {
		close(exec.release)
		_ = pool.Stop(context.Background())
	})

	// The backlog on the slow transport fills the first page on its own.
	s1 := putAt(t, s, "s1", "slow", epoch, epoch.Add(-4*time.Second))
	s2 := putAt(t, s, "s2", "slow", epoch, epoch.Add(-3*time.Second))
	s3 := putAt(t, s, "s3", "slow", epoch, epoch.Add(-2*time.Second))
	fast := putAt(t, s, "fast", "fast", epoch, epoch.Add(-time.Second))

	n, err := sched.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if n != 2 {
		t.Fatalf("dispatched = %d, want 2", n)
	}
	eventually(t, time.Second, func() bool { return len(exec.keys()) == 2 })

	for _, tc := range []struct {
		j    *job.Job
		want job.State
	}{
		{s1, job.StateRunning},
		{s2, job.StatePending},
		{s3, job.StatePending},
		{fast, job.StateRunning},
	} {
		if got := stateOf(t, s, tc.j.ID); got != tc.want {
			t.Errorf("%s state = %s, want %s", tc.j.IdempotencyKey, got, tc.want)
		}
	}
}

// fullPool reports a free slot but refuses every task, as a pool does
// when its last slot is taken between Capacity and Submit.
type fullPool struct{}

func (fullPool) Capacity() int { return 1 }

func (fullPool) Submit(id.JobID, func(context.Context)) (bool, error) { return false, nil }

func (fullPool) Stop(context.Context) error { return nil }

func TestRunCycle_RefusedJobIsUnclaimed(t *testing.T) {
	t.Parallel()

	stopped := worker.NewPool(1, nil)
	if err := stopped.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	tests := []struct {
		name    string
		pool    scheduler.Pool
		wantErr bool
	}{
		{"full", fullPool{}, false},
		{"stopped", stopped, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := memory.New()
			exec := &executor{}
			sched := scheduler.New(s, tt.pool, exec, &coordinator{}, scheduler.WithClock(fixedClock()))
			j := putAt(t, s, "refused", "smtp", epoch, epoch)

			n, err := sched.RunCycle(ctx)
			if tt.wantErr != (err != nil) {
				t.Fatalf("RunCycle err = %v, wantErr %v", err, tt.wantErr)
			}
			if n != 0 {
				t.Errorf("dispatched = %d, want 0", n)
			}

			got, err := s.GetJob(ctx, j.ID)
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if got.State != job.StatePending || got.Attempts != 0 {
				t.Errorf("job = %s/%d, want pending/0", got.State, got.Attempts)
			}
			if got.LastError != "" || got.StartedAt != nil || got.ClaimToken != "" {
				t.Errorf("refusal left traces: error=%q started=%v token=%q", got.LastError, got.StartedAt, got.ClaimToken)
			}
			if len(exec.keys()) != 0 {
				t.Errorf("executed %v", exec.keys())
			}
		})
	}
}

func TestStart_RecoversInterruptedJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New()

	// Claimed a moment before the restart, so only the owner name marks
	// it as abandoned.
	j := putAt(t, s, "crashed", "smtp", epoch, epoch)
	claimAs(t, s, j, "node-a", epoch)

	var recovered atomic.Int32
	extensions := ext.NewRegistry(slog.Default())
	extensions.Register(recoveryHook{n: &recovered})

	sched := scheduler.New(s, busyPool(t), &executor{}, &coordinator{},
		scheduler.WithClock(fixedClock()),
		scheduler.WithExtensions(extensions),
		scheduler.WithOwner("node-a"),
	)
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateRetrying {
		t.Errorf("state = %s, want retrying", got.State)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", got.Attempts)
	}
	if got.NextAttemptAt.After(epoch) {
		t.Errorf("next attempt %v is after restart time %v", got.NextAttemptAt, epoch)
	}
	if n := recovered.Load(); n != 1 {
		t.Errorf("recovered hook saw %d jobs, want 1", n)
	}
}

func TestRecover_TakesOtherOwnersClaimsOnlyWhenStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New()

	fresh := putAt(t, s, "fresh", "smtp", epoch, epoch)
	stale := putAt(t, s, "stale", "smtp", epoch, epoch)
	claimAs(t, s, fresh, "node-b", epoch.Add(-5*time.Minute))
	claimAs(t, s, stale, "node-b", epoch.Add(-20*time.Minute))

	var recovered atomic.Int32
	extensions := ext.NewRegistry(slog.Default())
	extensions.Register(recoveryHook{n: &recovered})

	now := epoch
	sched := scheduler.New(s, busyPool(t), &executor{}, &coordinator{},
		scheduler.WithClock(func() time.Time { return now }),
		scheduler.WithExtensions(extensions),
		scheduler.WithOwner("node-a"),
		scheduler.WithClaimTTL(10*time.Minute),
	)
	if err := sched.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := stateOf(t, s, stale.ID); got != job.StateRetrying {
		t.Errorf("stale claim state = %s, want retrying", got)
	}
	if got := stateOf(t, s, fresh.ID); got != job.StateRunning {
		t.Errorf("fresh claim of another owner state = %s, want running", got)
	}

	// Once the fresh claim outlives the TTL, a later cycle reaps it.
	now = epoch.Add(6 * time.Minute)
	if _, err := sched.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := stateOf(t, s, fresh.ID); got != job.StateRetrying {
		t.Errorf("expired claim state = %s, want retrying", got)
	}
	if n := recovered.Load(); n != 2 {
		t.Errorf("recovered hook saw %d jobs, want 2", n)
	}
}

type recoveryHook struct{ n *atomic.Int32 }

func (recoveryHook) Name() string { return "recovery" }

func (h recoveryHook) OnJobsRecovered(_ context.Context, jobs []*job.Job) error {
	h.n.Add(int32(len(jobs)))
	return nil
}

func TestOnWake_NeverBlocks(t *testing.T) {
	t.Parallel()
	sched := scheduler.New(memory.New(), worker.NewPool(1, nil), &executor{}, &coordinator{})
	done := make(chan struct{})
	go func() {
		for range 1000 {
			sched.OnWake()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnWake blocked without a running loop")
	}
}

// newLive wires a scheduler with the real executor, a wake timer and a
// constant backoff, and starts it.
func newLive(t *testing.T, tr transport.Transport, retryDelay time.Duration) (*memory.Store, *scheduler.Scheduler) {
	t.Helper()
	s := memory.New()
	transports := transport.NewRegistry()
	transports.Register("smtp", tr)

	exec := worker.NewExecutor(transports, nil, s, backoff.NewConstant(retryDelay), nil)
	pool := worker.NewPool(2, nil)
	timer := wake.NewTimer()
	sched := scheduler.New(s, pool, exec, timer, scheduler.WithMaxPollInterval(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = timer.Run(ctx, sched.OnWake) }()
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = sched.Stop(stopCtx)
		cancel()
	})
	return s, sched
}

func TestLive_TransientFailuresExhaustAttempts(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	tr := transport.Func(func(context.Context, *transport.Request) error {
		calls.Add(1)
		return transport.Transient(errors.New("421 try later"))
	})
	s, sched := newLive(t, tr, 10*time.Millisecond)

	j := job.New("flaky", "smtp", []byte(`{}`), 3)
	if err := s.PutJob(context.Background(), j); err != nil {
		t.Fatalf("PutJob: %v", err)
	}
	sched.OnWake()

	eventually(t, 5*time.Second, func() bool { return stateOf(t, s, j.ID) == job.StateFailed })
	got, _ := s.GetJob(context.Background(), j.ID)
	if got.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", got.Attempts)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("transport calls = %d, want 3", n)
	}
	if got.LastError == "" {
		t.Error("LastError is empty")
	}
}

func TestLive_PermanentFailureStopsAtOnce(t *testing.T) {
	t.Parallel()
	tr := transport.Func(func(context.Context, *transport.Request) error {
		return transport.Permanent(errors.New("550 no such user"))
	})
	s, sched := newLive(t, tr, 10*time.Millisecond)

	j := job.New("bounce", "smtp", []byte(`{}`), 5)
	if err := s.PutJob(context.Background(), j); err != nil {
		t.Fatalf("PutJob: %v", err)
	}
	sched.OnWake()

	eventually(t, 5*time.Second, func() bool { return stateOf(t, s, j.ID) == job.StateFailed })
	got, _ := s.GetJob(context.Background(), j.ID)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastErrorClass != job.ClassPermanent {
		t.Errorf("class = %s, want permanent", got.LastErrorClass)
	}
}

func TestLive_DelayedJobRunsWhenDue(t *testing.T) {
	t.Parallel()
	delivered := make(chan struct{}, 1)
	tr := transport.Func(func(context.Context, *transport.Request) error {
		delivered <- struct{}{}
		return nil
	})
	s, sched := newLive(t, tr, time.Second)

	j := job.New("later", "smtp", []byte(`{}`), 1, job.WithNotBefore(time.Now().Add(80*time.Millisecond)))
	if err := s.PutJob(context.Background(), j); err != nil {
		t.Fatalf("PutJob: %v", err)
	}
	sched.OnWake()

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("delayed job never delivered")
	}
	eventually(t, time.Second, func() bool { return stateOf(t, s, j.ID) == job.StateSucceeded })
}

func TestStop_WaitsForInflightAttempt(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	finish := make(chan struct{})
	tr := transport.Func(func(context.Context, *transport.Request) error {
		close(started)
		<-finish
		return nil
	})

	s := memory.New()
	transports := transport.NewRegistry()
	transports.Register("smtp", tr)
	exec := worker.NewExecutor(transports, nil, s, backoff.NewConstant(time.Second), nil)
	sched := scheduler.New(s, worker.NewPool(1, nil), exec, &coordinator{})

	j := job.New("slow", "smtp", []byte(`{}`), 1)
	if err := s.PutJob(context.Background(), j); err != nil {
		t.Fatalf("PutJob: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- sched.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while an attempt was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(finish)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := stateOf(t, s, j.ID); got != job.StateSucceeded {
		t.Errorf("state = %s, want succeeded", got)
	}
}

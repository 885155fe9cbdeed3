// Package scheduler runs the dispatch cycle: on every wake it claims the
// jobs that are due, hands them to the worker pool and asks the wake
// coordinator to run it again when the next job falls due.
//
// Cycles never overlap. A single goroutine runs them, and wakes that arrive
// while a cycle is in progress collapse into one follow-up cycle.
//
// Several schedulers may share one store. Each claims under its own owner
// name, and a claim is only taken back from another owner once it is older
// than the claim TTL. Outcomes carry the claim token, so an attempt whose
// claim was taken back cannot overwrite the new owner's result.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/xraph/mailq"
	"github.com/xraph/mailq/ext"
	"github.com/xraph/mailq/id"
	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/throttle"
	"github.com/xraph/mailq/wake"
)

// DefaultMaxPollInterval is used when no interval is configured.
const DefaultMaxPollInterval = 15 * time.Minute

// DefaultClaimTTL is how old a running claim must be before any scheduler
// may take it back. It must exceed the attempt timeout.
const DefaultClaimTTL = 10 * time.Minute

// errorRetryDelay is how soon a cycle that failed on the store is retried.
const errorRetryDelay = 5 * time.Second

// Executor performs one attempt of a claimed job.
type Executor interface {
	Execute(ctx context.Context, j *job.Job) (*job.Job, error)
}

// Pool runs attempts with bounded concurrency. worker.Pool satisfies it.
type Pool interface {
	Capacity() int
	Submit(jobID id.JobID, fn func(ctx context.Context)) (bool, error)
	Stop(ctx context.Context) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithThrottle applies per-transport limits to claims.
func WithThrottle(m *throttle.Manager) Option {
	return func(s *Scheduler) { s.throttle = m }
}

// WithExtensions sets the registry notified of recovered jobs.
func WithExtensions(r *ext.Registry) Option {
	return func(s *Scheduler) { s.extensions = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithMaxPollInterval bounds the sleep between cycles when nothing is due.
func WithMaxPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.maxPoll = d
		}
	}
}

// WithOwner sets the name claims are made under. It must be unique among
// schedulers sharing a store and stable across restarts of one instance,
// so that a restart reclaims its own abandoned jobs at once. The default is
// the host name.
func WithOwner(name string) Option {
	return func(s *Scheduler) {
		if name != "" {
			s.owner = name
		}
	}
}

// WithClaimTTL sets how old another owner's claim must be before it is
// taken back.
func WithClaimTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.claimTTL = d
		}
	}
}

// Scheduler claims due jobs and feeds them to a Pool.
type Scheduler struct {
	store      job.Store
	pool       Pool
	exec       Executor
	coord      wake.Coordinator
	throttle   *throttle.Manager
	extensions *ext.Registry
	logger     *slog.Logger
	now        func() time.Time
	maxPoll    time.Duration
	owner      string
	claimTTL   time.Duration

	wakeCh chan struct{}

	// nextReap is touched only by Recover and the cycle goroutine.
	nextReap time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Scheduler. coord receives the time of the next wanted
// cycle after each one; the host must call OnWake when it fires.
func New(store job.Store, pool Pool, exec Executor, coord wake.Coordinator, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		pool:     pool,
		exec:     exec,
		coord:    coord,
		logger:   slog.Default(),
		now:      time.Now,
		maxPoll:  DefaultMaxPollInterval,
		owner:    defaultOwner(),
		claimTTL: DefaultClaimTTL,
		wakeCh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.extensions == nil {
		s.extensions = ext.NewRegistry(s.logger)
	}
	return s
}

// OnWake requests a cycle. It never blocks: if a cycle is already pending
// the request is merged into it.
func (s *Scheduler) OnWake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Start reconciles jobs left running by a previous process and starts the
// cycle loop with an immediate first cycle.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if err := s.Recover(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go s.loop(loopCtx)
	s.OnWake()

	s.logger.Info("scheduler started",
		slog.String("owner", s.owner),
		slog.Int("capacity", s.pool.Capacity()),
		slog.Duration("max_poll_interval", s.maxPoll),
		slog.Duration("claim_ttl", s.claimTTL),
	)
	return nil
}

// Stop ends the cycle loop, then waits for in-flight attempts through the
// pool. When ctx expires the pool cancels the remaining attempts, which
// record themselves as interrupted.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}

	err := s.pool.Stop(ctx)
	s.logger.Info("scheduler stopped")
	return err
}

// Owner returns the name claims are made under.
func (s *Scheduler) Owner() string { return s.owner }

// Recover moves jobs abandoned in running back to retrying: every job this
// owner left behind, and any other owner's claim older than the claim TTL.
// Start calls it before the first cycle.
func (s *Scheduler) Recover(ctx context.Context) error {
	now := s.now().UTC()
	s.nextReap = now.Add(s.claimTTL / 2)
	return s.reclaim(ctx, job.Reclaim{Owner: s.owner, StaleBefore: now.Add(-s.claimTTL)}, now)
}

// reapStale takes back claims older than the claim TTL, whoever holds
// them. Cycles call it at most every half TTL; it does not arm the timer,
// so a stale claim is found by the next cycle after it expires.
func (s *Scheduler) reapStale(ctx context.Context, now time.Time) error {
	if now.Before(s.nextReap) {
		return nil
	}
	s.nextReap = now.Add(s.claimTTL / 2)
	return s.reclaim(ctx, job.Reclaim{StaleBefore: now.Add(-s.claimTTL)}, now)
}

func (s *Scheduler) reclaim(ctx context.Context, r job.Reclaim, now time.Time) error {
	recovered, err := s.store.InterruptRunning(ctx, r, now)
	if err != nil {
		return fmt.Errorf("recover running jobs: %w", err)
	}
	if len(recovered) == 0 {
		return nil
	}
	for _, j := range recovered {
		s.logger.Warn("recovered interrupted job",
			slog.String("job_id", j.ID.String()),
			slog.String("transport", j.Transport),
			slog.String("owner", j.Owner),
			slog.Int("attempts", j.Attempts),
		)
	}
	s.extensions.EmitJobsRecovered(ctx, recovered)
	return nil
}

func defaultOwner() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "mailq"
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wakeCh:
			if _, err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("dispatch cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunCycle runs one dispatch cycle and returns how many jobs were handed
// to the pool. The loop calls it on every wake; it is exported for hosts
// that drive cycles themselves and must not be called concurrently with
// the loop.
//
// Due jobs are listed a page at a time. A transport that refuses a claim
// because of its throttle is left out of the following pages, so jobs on
// other transports still fill the free slots.
func (s *Scheduler) RunCycle(ctx context.Context) (dispatched int, err error) {
	now := s.now().UTC()
	wakeAt := now.Add(s.maxPoll)
	defer func() {
		if err != nil {
			if retry := now.Add(errorRetryDelay); retry.Before(wakeAt) {
				wakeAt = retry
			}
		}
		s.coord.ScheduleWakeAt(wakeAt)
	}()

	if err := s.reapStale(ctx, now); err != nil {
		return 0, err
	}

	var saturated []string
	free := s.pool.Capacity()
	for free > 0 {
		limit := free
		due, err := s.store.ListDue(ctx, now, limit, saturated...)
		if err != nil {
			return dispatched, fmt.Errorf("list due jobs: %w", err)
		}

		progress, refused := false, false
		for _, j := range due {
			if free == 0 {
				break
			}
			if slices.Contains(saturated, j.Transport) {
				continue
			}
			ok, wait := s.acquire(j.Transport)
			if !ok {
				saturated = append(saturated, j.Transport)
				progress = true
				if wait > 0 {
					if at := now.Add(wait); at.Before(wakeAt) {
						wakeAt = at
					}
				}
				s.logger.Debug("transport throttled",
					slog.String("job_id", j.ID.String()),
					slog.String("transport", j.Transport),
					slog.Duration("wait", wait),
				)
				continue
			}

			claimed, err := s.store.MarkRunning(ctx, j.ID, s.owner, now)
			if err != nil {
				s.release(j.Transport)
				if errors.Is(err, mailq.ErrConflict) || errors.Is(err, mailq.ErrNotFound) {
					s.logger.Debug("job claimed elsewhere", slog.String("job_id", j.ID.String()))
					continue
				}
				return dispatched, fmt.Errorf("claim %s: %w", j.ID, err)
			}

			submitted, err := s.submit(ctx, j, claimed, now)
			if err != nil {
				return dispatched, err
			}
			if !submitted {
				refused = true
				break
			}
			dispatched++
			free--
			progress = true
		}

		// A short page means the due set is exhausted. A page that neither
		// dispatched nor saturated a transport only met claims lost to
		// other schedulers, and relisting would return nothing new.
		if refused || len(due) < limit || !progress {
			break
		}
	}

	next, ok, err := s.store.NextDueAt(ctx)
	if err != nil {
		return dispatched, fmt.Errorf("next due time: %w", err)
	}
	// Jobs already due but not dispatched are waiting for a free slot;
	// finishing attempts wake the scheduler for them.
	if ok && next.After(now) && next.Before(wakeAt) {
		wakeAt = next
	}
	return dispatched, nil
}

// submit hands a claimed job to the pool. If the pool is full or stopped,
// the claim is undone: prev, the job as listed, is restored and no attempt
// is recorded.
func (s *Scheduler) submit(ctx context.Context, prev, claimed *job.Job, now time.Time) (bool, error) {
	ok, err := s.pool.Submit(claimed.ID, func(ctx context.Context) {
		defer s.OnWake()
		defer s.release(claimed.Transport)
		if _, execErr := s.exec.Execute(ctx, claimed); execErr != nil {
			s.logger.Error("dispatch attempt not recorded",
				slog.String("job_id", claimed.ID.String()),
				slog.String("error", execErr.Error()),
			)
		}
	})
	if ok && err == nil {
		return true, nil
	}

	s.release(claimed.Transport)
	if _, undoErr := s.store.Unclaim(context.WithoutCancel(ctx), prev, claimed.ClaimToken, now); undoErr != nil {
		return false, fmt.Errorf("release claim on %s: %w", claimed.ID, undoErr)
	}
	if err != nil {
		return false, fmt.Errorf("submit %s: %w", claimed.ID, err)
	}
	s.logger.Debug("worker pool refused job", slog.String("job_id", claimed.ID.String()))
	return false, nil
}

func (s *Scheduler) acquire(transport string) (bool, time.Duration) {
	if s.throttle == nil {
		return true, 0
	}
	return s.throttle.Acquire(transport)
}

func (s *Scheduler) release(transport string) {
	if s.throttle != nil {
		s.throttle.Release(transport)
	}
}

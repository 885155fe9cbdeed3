// Package memory provides an in-memory store.Store. It is safe for
// concurrent access and intended for tests, development, and hosts that
// accept losing queued mail on restart.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xraph/mailq"
	"github.com/xraph/mailq/id"
	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/store"
)

var _ store.Store = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store. Every method
// runs under one mutex, which makes each operation atomic.
type Store struct {
	mu sync.RWMutex

	jobs   map[id.JobID]*job.Job
	byKey  map[string]id.JobID
	closed bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:  make(map[id.JobID]*job.Job),
		byKey: make(map[string]id.JobID),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping fails only after Close.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return mailq.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Data is kept so tests can inspect it.
func (m *Store) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// PutJob persists a new job.
func (m *Store) PutJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byKey[j.IdempotencyKey]; ok {
		return &mailq.DuplicateKeyError{Key: j.IdempotencyKey, ID: existing}
	}
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("mailq/memory: job %s already exists", j.ID)
	}
	m.jobs[j.ID] = j.Clone()
	m.byKey[j.IdempotencyKey] = j.ID
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, mailq.ErrNotFound
	}
	return j.Clone(), nil
}

// GetJobByKey retrieves a job by idempotency key.
func (m *Store) GetJobByKey(_ context.Context, key string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobID, ok := m.byKey[key]
	if !ok {
		return nil, mailq.ErrNotFound
	}
	return m.jobs[jobID].Clone(), nil
}

// ListDue returns dispatchable jobs due at now in dispatch order.
func (m *Store) ListDue(_ context.Context, now time.Time, limit int, skip ...string) ([]*job.Job, error) {
	if limit <= 0 {
		return []*job.Job{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	due := make([]*job.Job, 0, limit)
	for _, j := range m.jobs {
		if j.State.IsDispatchable() && !j.NextAttemptAt.After(now) && !slices.Contains(skip, j.Transport) {
			due = append(due, j)
		}
	}
	job.SortDue(due)
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*job.Job, len(due))
	for i, j := range due {
		out[i] = j.Clone()
	}
	return out, nil
}

// MarkRunning claims a dispatchable job for owner.
func (m *Store) MarkRunning(_ context.Context, jobID id.JobID, owner string, now time.Time) (*job.Job, error) {
	return m.mutate(jobID, func(j *job.Job) error { return job.Claim(j, owner, now) })
}

// MarkResult applies an attempt outcome to a running job.
func (m *Store) MarkResult(_ context.Context, jobID id.JobID, o job.Outcome) (*job.Job, error) {
	return m.mutate(jobID, func(j *job.Job) error { return job.Apply(j, o) })
}

// Unclaim reverts a claim under which no attempt started.
func (m *Store) Unclaim(_ context.Context, prev *job.Job, claim string, now time.Time) (*job.Job, error) {
	return m.mutate(prev.ID, func(j *job.Job) error { return job.Unclaim(j, prev, claim, now) })
}

// Cancel withdraws a pending or retrying job.
func (m *Store) Cancel(_ context.Context, jobID id.JobID, now time.Time) (*job.Job, error) {
	return m.mutate(jobID, func(j *job.Job) error { return job.Cancel(j, now) })
}

// mutate applies fn to a copy of the job and commits it only on success,
// so a rejected transition leaves the stored job untouched.
func (m *Store) mutate(jobID id.JobID, fn func(*job.Job) error) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[jobID]
	if !ok {
		return nil, mailq.ErrNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	m.jobs[jobID] = next
	return next.Clone(), nil
}

// Purge removes a terminal job and frees its idempotency key.
func (m *Store) Purge(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return mailq.ErrNotFound
	}
	if err := job.CanPurge(j); err != nil {
		return err
	}
	m.remove(j)
	return nil
}

func (m *Store) remove(j *job.Job) {
	delete(m.jobs, j.ID)
	if m.byKey[j.IdempotencyKey] == j.ID {
		delete(m.byKey, j.IdempotencyKey)
	}
}

// InterruptRunning returns the running jobs r selects to retrying, due at now.
func (m *Store) InterruptRunning(_ context.Context, r job.Reclaim, now time.Time) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*job.Job
	for _, j := range m.jobs {
		if r.Matches(j) && job.Interrupt(j, now) {
			out = append(out, j.Clone())
		}
	}
	job.SortDue(out)
	return out, nil
}

// NextDueAt returns the earliest NextAttemptAt among dispatchable jobs.
func (m *Store) NextDueAt(_ context.Context) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		earliest time.Time
		found    bool
	)
	for _, j := range m.jobs {
		if !j.State.IsDispatchable() {
			continue
		}
		if !found || j.NextAttemptAt.Before(earliest) {
			earliest = j.NextAttemptAt
			found = true
		}
	}
	return earliest, found, nil
}

// ListJobs returns jobs matching opts, newest first.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.Matches(j) {
			matched = append(matched, j)
		}
	}
	job.SortNewest(matched)
	matched = opts.Page(matched)

	out := make([]*job.Job, len(matched))
	for i, j := range matched {
		out[i] = j.Clone()
	}
	return out, nil
}

// CountJobs returns the number of jobs matching opts.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if opts.Matches(j) {
			n++
		}
	}
	return n, nil
}

// PurgeTerminalBefore removes terminal jobs last updated before the cutoff.
func (m *Store) PurgeTerminalBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, j := range m.jobs {
		if j.State.IsTerminal() && j.UpdatedAt.Before(before) {
			m.remove(j)
			n++
		}
	}
	return n, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/mailq"
	"github.com/xraph/mailq/id"
	"github.com/xraph/mailq/job"
)

const jobColumns = `
	id, idempotency_key, transport, payload, state, attempts, max_attempts,
	next_attempt_at, last_error_class, last_error, started_at, finished_at,
	created_at, updated_at, owner, claim_token`

// PutJob persists a new job.
func (s *Store) PutJob(ctx context.Context, j *job.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mailq_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.IdempotencyKey, j.Transport, payloadBytes(j.Payload),
		string(j.State), j.Attempts, j.MaxAttempts,
		toNanos(j.NextAttemptAt), string(j.LastErrorClass), j.LastError,
		toNullNanos(j.StartedAt), toNullNanos(j.FinishedAt),
		toNanos(j.CreatedAt), toNanos(j.UpdatedAt), j.Owner, j.ClaimToken,
	)
	if err == nil {
		return nil
	}
	if isDuplicateKey(err) {
		if existing, getErr := s.GetJobByKey(ctx, j.IdempotencyKey); getErr == nil {
			return &mailq.DuplicateKeyError{Key: j.IdempotencyKey, ID: existing.ID}
		}
	}
	return fmt.Errorf("mailq/sqlite: put job: %w", err)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM mailq_jobs WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, mailq.ErrNotFound
		}
		return nil, fmt.Errorf("mailq/sqlite: get job: %w", err)
	}
	return j, nil
}

// GetJobByKey retrieves a job by idempotency key.
func (s *Store) GetJobByKey(ctx context.Context, key string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM mailq_jobs WHERE idempotency_key = ?`, key)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, mailq.ErrNotFound
		}
		return nil, fmt.Errorf("mailq/sqlite: get job by key: %w", err)
	}
	return j, nil
}

// ListDue returns dispatchable jobs due at now in dispatch order.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int, skip ...string) ([]*job.Job, error) {
	if limit <= 0 {
		return []*job.Job{}, nil
	}
	args := []any{toNanos(now)}
	exclude := ""
	if len(skip) > 0 {
		exclude = " AND transport NOT IN (?" + strings.Repeat(", ?", len(skip)-1) + ")"
		for _, name := range skip {
			args = append(args, name)
		}
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM mailq_jobs
		WHERE state IN ('pending', 'retrying') AND next_attempt_at <= ?`+exclude+`
		ORDER BY next_attempt_at ASC, created_at ASC, id ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("mailq/sqlite: list due: %w", err)
	}
	return collectJobs(rows)
}

// MarkRunning claims a dispatchable job for owner.
func (s *Store) MarkRunning(ctx context.Context, jobID id.JobID, owner string, now time.Time) (*job.Job, error) {
	return s.mutate(ctx, jobID, "mark running", func(j *job.Job) error {
		return job.Claim(j, owner, now)
	})
}

// MarkResult applies an attempt outcome to a running job.
func (s *Store) MarkResult(ctx context.Context, jobID id.JobID, o job.Outcome) (*job.Job, error) {
	return s.mutate(ctx, jobID, "mark result", func(j *job.Job) error {
		return job.Apply(j, o)
	})
}

// Unclaim reverts a claim under which no attempt started.
func (s *Store) Unclaim(ctx context.Context, prev *job.Job, claim string, now time.Time) (*job.Job, error) {
	return s.mutate(ctx, prev.ID, "unclaim", func(j *job.Job) error {
		return job.Unclaim(j, prev, claim, now)
	})
}

// Cancel withdraws a pending or retrying job.
func (s *Store) Cancel(ctx context.Context, jobID id.JobID, now time.Time) (*job.Job, error) {
	return s.mutate(ctx, jobID, "cancel", func(j *job.Job) error {
		return job.Cancel(j, now)
	})
}

// mutate loads the job, applies fn and writes it back in one transaction.
// The UPDATE is guarded on the state and updated_at that were read.
func (s *Store) mutate(ctx context.Context, jobID id.JobID, op string, fn func(*job.Job) error) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mailq/sqlite: %s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	j, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM mailq_jobs WHERE id = ?`, jobID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, mailq.ErrNotFound
		}
		return nil, fmt.Errorf("mailq/sqlite: %s: load: %w", op, err)
	}

	prevState, prevUpdated := j.State, j.UpdatedAt
	if err := fn(j); err != nil {
		return nil, err
	}
	if err := updateJob(ctx, tx, j, prevState, prevUpdated); err != nil {
		return nil, fmt.Errorf("mailq/sqlite: %s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mailq/sqlite: %s: commit: %w", op, err)
	}
	return j, nil
}

func updateJob(ctx context.Context, tx *sql.Tx, j *job.Job, prevState job.State, prevUpdated time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE mailq_jobs SET
			state = ?, attempts = ?, next_attempt_at = ?,
			last_error_class = ?, last_error = ?,
			started_at = ?, finished_at = ?, updated_at = ?,
			owner = ?, claim_token = ?
		WHERE id = ? AND state = ? AND updated_at = ?`,
		string(j.State), j.Attempts, toNanos(j.NextAttemptAt),
		string(j.LastErrorClass), j.LastError,
		toNullNanos(j.StartedAt), toNullNanos(j.FinishedAt), toNanos(j.UpdatedAt),
		j.Owner, j.ClaimToken,
		j.ID.String(), string(prevState), toNanos(prevUpdated),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s changed concurrently", mailq.ErrConflict, j.ID)
	}
	return nil
}

// Purge removes a terminal job and frees its idempotency key.
func (s *Store) Purge(ctx context.Context, jobID id.JobID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mailq/sqlite: purge: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	j, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM mailq_jobs WHERE id = ?`, jobID.String()))
	if err != nil {
		if isNoRows(err) {
			return mailq.ErrNotFound
		}
		return fmt.Errorf("mailq/sqlite: purge: load: %w", err)
	}
	if err := job.CanPurge(j); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mailq_jobs WHERE id = ?`, jobID.String()); err != nil {
		return fmt.Errorf("mailq/sqlite: purge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mailq/sqlite: purge: commit: %w", err)
	}
	return nil
}

// InterruptRunning returns the running jobs r selects to retrying, due at now.
func (s *Store) InterruptRunning(ctx context.Context, r job.Reclaim, now time.Time) ([]*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mailq/sqlite: interrupt running: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM mailq_jobs
		WHERE state = 'running'
		ORDER BY next_attempt_at ASC, created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("mailq/sqlite: interrupt running: %w", err)
	}
	running, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	out := make([]*job.Job, 0, len(running))
	for _, j := range running {
		prevUpdated := j.UpdatedAt
		if !r.Matches(j) || !job.Interrupt(j, now) {
			continue
		}
		if err := updateJob(ctx, tx, j, job.StateRunning, prevUpdated); err != nil {
			return nil, fmt.Errorf("mailq/sqlite: interrupt running: %w", err)
		}
		out = append(out, j)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mailq/sqlite: interrupt running: commit: %w", err)
	}
	return out, nil
}

// NextDueAt returns the earliest NextAttemptAt among dispatchable jobs.
func (s *Store) NextDueAt(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(next_attempt_at) FROM mailq_jobs
		WHERE state IN ('pending', 'retrying')`,
	).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("mailq/sqlite: next due: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(next.Int64), true, nil
}

// ListJobs returns jobs matching opts, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	where, args := filter(opts.State, opts.Transport)
	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM mailq_jobs`+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("mailq/sqlite: list jobs: %w", err)
	}
	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	where, args := filter(opts.State, opts.Transport)
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mailq_jobs`+where, args...,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("mailq/sqlite: count jobs: %w", err)
	}
	return n, nil
}

// PurgeTerminalBefore removes terminal jobs last updated before the cutoff.
func (s *Store) PurgeTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mailq_jobs
		WHERE state IN ('succeeded', 'failed', 'cancelled') AND updated_at < ?`,
		toNanos(before),
	)
	if err != nil {
		return 0, fmt.Errorf("mailq/sqlite: purge terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mailq/sqlite: purge terminal: %w", err)
	}
	return n, nil
}

// ── scanning ─────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		rawID, state, class    string
		next, created, updated int64
		started, finished      sql.NullInt64
		j                      job.Job
	)
	err := row.Scan(
		&rawID, &j.IdempotencyKey, &j.Transport, &j.Payload, &state,
		&j.Attempts, &j.MaxAttempts, &next, &class, &j.LastError,
		&started, &finished, &created, &updated, &j.Owner, &j.ClaimToken,
	)
	if err != nil {
		return nil, err
	}

	jobID, err := id.ParseJobID(rawID)
	if err != nil {
		return nil, fmt.Errorf("mailq/sqlite: parse job id: %w", err)
	}
	j.ID = jobID
	j.State = job.State(state)
	j.LastErrorClass = job.FailureClass(class)
	j.NextAttemptAt = fromNanos(next)
	j.StartedAt = fromNullNanos(started)
	j.FinishedAt = fromNullNanos(finished)
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*job.Job, error) {
	defer rows.Close()

	jobs := []*job.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("mailq/sqlite: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mailq/sqlite: iterate jobs: %w", err)
	}
	return jobs, nil
}

func filter(state job.State, transport string) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if state != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(state))
	}
	if transport != "" {
		clauses = append(clauses, "transport = ?")
		args = append(args, transport)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// payloadBytes keeps the NOT NULL constraint for empty payloads.
func payloadBytes(p []byte) []byte {
	if p == nil {
		return []byte{}
	}
	return p
}

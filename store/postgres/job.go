package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

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
	payload := j.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mailq_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		j.ID.String(), j.IdempotencyKey, j.Transport, payload,
		string(j.State), j.Attempts, j.MaxAttempts,
		j.NextAttemptAt, string(j.LastErrorClass), j.LastError,
		j.StartedAt, j.FinishedAt, j.CreatedAt, j.UpdatedAt, j.Owner, j.ClaimToken,
	)
	if err == nil {
		return nil
	}
	if isDuplicateKey(err) {
		if existing, getErr := s.GetJobByKey(ctx, j.IdempotencyKey); getErr == nil {
			return &mailq.DuplicateKeyError{Key: j.IdempotencyKey, ID: existing.ID}
		}
	}
	return fmt.Errorf("mailq/postgres: put job: %w", err)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM mailq_jobs WHERE id = $1`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, mailq.ErrNotFound
		}
		return nil, fmt.Errorf("mailq/postgres: get job: %w", err)
	}
	return j, nil
}

// GetJobByKey retrieves a job by idempotency key.
func (s *Store) GetJobByKey(ctx context.Context, key string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM mailq_jobs WHERE idempotency_key = $1`, key)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, mailq.ErrNotFound
		}
		return nil, fmt.Errorf("mailq/postgres: get job by key: %w", err)
	}
	return j, nil
}

// ListDue returns dispatchable jobs due at now in dispatch order. It does
// not lock rows; MarkRunning decides ownership.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int, skip ...string) ([]*job.Job, error) {
	if limit <= 0 {
		return []*job.Job{}, nil
	}
	if skip == nil {
		skip = []string{}
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM mailq_jobs
		WHERE state IN ('pending', 'retrying') AND next_attempt_at <= $1
			AND transport <> ALL($2)
		ORDER BY next_attempt_at ASC, created_at ASC, id ASC
		LIMIT $3`,
		now, skip, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("mailq/postgres: list due: %w", err)
	}
	defer rows.Close()
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

// mutate locks the row, applies fn and writes the job back in one
// transaction. A rejected transition rolls back without writing.
func (s *Store) mutate(ctx context.Context, jobID id.JobID, op string, fn func(*job.Job) error) (*job.Job, error) {
	var out *job.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM mailq_jobs WHERE id = $1 FOR UPDATE`, jobID.String()))
		if err != nil {
			if isNoRows(err) {
				return mailq.ErrNotFound
			}
			return fmt.Errorf("mailq/postgres: %s: load: %w", op, err)
		}
		if err := fn(j); err != nil {
			return err
		}
		if err := updateJob(ctx, tx, j); err != nil {
			return fmt.Errorf("mailq/postgres: %s: %w", op, err)
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func updateJob(ctx context.Context, tx pgx.Tx, j *job.Job) error {
	_, err := tx.Exec(ctx, `
		UPDATE mailq_jobs SET
			state = $2, attempts = $3, next_attempt_at = $4,
			last_error_class = $5, last_error = $6,
			started_at = $7, finished_at = $8, updated_at = $9,
			owner = $10, claim_token = $11
		WHERE id = $1`,
		j.ID.String(), string(j.State), j.Attempts, j.NextAttemptAt,
		string(j.LastErrorClass), j.LastError,
		j.StartedAt, j.FinishedAt, j.UpdatedAt,
		j.Owner, j.ClaimToken,
	)
	return err
}

// Purge removes a terminal job and frees its idempotency key.
func (s *Store) Purge(ctx context.Context, jobID id.JobID) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM mailq_jobs WHERE id = $1 FOR UPDATE`, jobID.String()))
		if err != nil {
			if isNoRows(err) {
				return mailq.ErrNotFound
			}
			return fmt.Errorf("mailq/postgres: purge: load: %w", err)
		}
		if err := job.CanPurge(j); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM mailq_jobs WHERE id = $1`, jobID.String()); err != nil {
			return fmt.Errorf("mailq/postgres: purge: %w", err)
		}
		return nil
	})
}

// InterruptRunning returns the running jobs r selects to retrying, due at
// now. Rows are locked, so a scheduler recording an outcome at the same time
// either commits first or finds its claim voided.
func (s *Store) InterruptRunning(ctx context.Context, r job.Reclaim, now time.Time) ([]*job.Job, error) {
	var out []*job.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+jobColumns+` FROM mailq_jobs
			WHERE state = 'running'
			ORDER BY next_attempt_at ASC, created_at ASC, id ASC
			FOR UPDATE`)
		if err != nil {
			return fmt.Errorf("mailq/postgres: interrupt running: %w", err)
		}
		running, err := collectJobs(rows)
		rows.Close()
		if err != nil {
			return err
		}

		for _, j := range running {
			if !r.Matches(j) || !job.Interrupt(j, now) {
				continue
			}
			if err := updateJob(ctx, tx, j); err != nil {
				return fmt.Errorf("mailq/postgres: interrupt running: %w", err)
			}
			out = append(out, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NextDueAt returns the earliest NextAttemptAt among dispatchable jobs.
func (s *Store) NextDueAt(ctx context.Context) (time.Time, bool, error) {
	var next *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT MIN(next_attempt_at) FROM mailq_jobs
		WHERE state IN ('pending', 'retrying')`,
	).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("mailq/postgres: next due: %w", err)
	}
	if next == nil {
		return time.Time{}, false, nil
	}
	return next.UTC(), true, nil
}

// ListJobs returns jobs matching opts, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM mailq_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
		argIdx++
	}
	if opts.Transport != "" {
		query += fmt.Sprintf(" AND transport = $%d", argIdx)
		args = append(args, opts.Transport)
		argIdx++
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mailq/postgres: list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM mailq_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
		argIdx++
	}
	if opts.Transport != "" {
		query += fmt.Sprintf(" AND transport = $%d", argIdx)
		args = append(args, opts.Transport)
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("mailq/postgres: count jobs: %w", err)
	}
	return count, nil
}

// PurgeTerminalBefore removes terminal jobs last updated before the cutoff.
func (s *Store) PurgeTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM mailq_jobs
		WHERE state IN ('succeeded', 'failed', 'cancelled') AND updated_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("mailq/postgres: purge terminal: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j        job.Job
		idStr    string
		stateStr string
		classStr string
	)
	err := row.Scan(
		&idStr, &j.IdempotencyKey, &j.Transport, &j.Payload, &stateStr,
		&j.Attempts, &j.MaxAttempts, &j.NextAttemptAt, &classStr, &j.LastError,
		&j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt, &j.Owner, &j.ClaimToken,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("mailq/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID
	j.State = job.State(stateStr)
	j.LastErrorClass = job.FailureClass(classStr)

	j.NextAttemptAt = j.NextAttemptAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	if j.StartedAt != nil {
		t := j.StartedAt.UTC()
		j.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := j.FinishedAt.UTC()
		j.FinishedAt = &t
	}
	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	jobs := []*job.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("mailq/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mailq/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}

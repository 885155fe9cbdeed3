package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/mailq"
	"github.com/xraph/mailq/id"
	"github.com/xraph/mailq/job"
)

// errSkip aborts a transaction without reporting an error.
var errSkip = errors.New("skip")

// PutJob stores the job Hash, claims its idempotency key and indexes it.
func (s *Store) PutJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	idemKey := s.keys.idempotency(j.IdempotencyKey)

	err := s.retry(ctx, func(tx *goredis.Tx) error {
		existing, err := tx.Get(ctx, idemKey).Result()
		switch {
		case err == nil:
			owner, parseErr := id.ParseJobID(existing)
			if parseErr != nil {
				return fmt.Errorf("mailq/redis: parse owner of key %q: %w", j.IdempotencyKey, parseErr)
			}
			return &mailq.DuplicateKeyError{Key: j.IdempotencyKey, ID: owner}
		case !errors.Is(err, goredis.Nil):
			return fmt.Errorf("mailq/redis: put job check key: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, idemKey, jID, 0)
			pipe.HSet(ctx, s.keys.job(jID), jobToMap(j))
			pipe.ZAdd(ctx, s.keys.all(), goredis.Z{Score: score(j.CreatedAt), Member: jID})
			s.index(ctx, pipe, j)
			return nil
		})
		return err
	}, idemKey)
	if err != nil {
		var dup *mailq.DuplicateKeyError
		if errors.As(err, &dup) {
			return err
		}
		return fmt.Errorf("mailq/redis: put job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.load(ctx, s.client, jobID.String())
}

// GetJobByKey retrieves a job by idempotency key.
func (s *Store) GetJobByKey(ctx context.Context, key string) (*job.Job, error) {
	jID, err := s.client.Get(ctx, s.keys.idempotency(key)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, mailq.ErrNotFound
		}
		return nil, fmt.Errorf("mailq/redis: get job by key: %w", err)
	}
	return s.load(ctx, s.client, jID)
}

// ListDue returns dispatchable jobs due at now in dispatch order. The due
// set is read in pages of limit ids until limit jobs outside skip are found
// or the due range is exhausted.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int, skip ...string) ([]*job.Job, error) {
	if limit <= 0 {
		return []*job.Job{}, nil
	}
	upper := strconv.FormatInt(now.UnixMilli(), 10)

	var (
		due  []*job.Job
		seen = make(map[string]struct{})
		last string
	)
	keep := func(loaded []*job.Job) {
		for _, j := range loaded {
			jID := j.ID.String()
			if _, dup := seen[jID]; dup {
				continue
			}
			seen[jID] = struct{}{}
			if j.State.IsDispatchable() && !j.NextAttemptAt.After(now) && !slices.Contains(skip, j.Transport) {
				due = append(due, j)
			}
		}
	}

	for offset := int64(0); ; offset += int64(limit) {
		ids, err := s.client.ZRangeByScore(ctx, s.keys.due(), &goredis.ZRangeBy{
			Min: "-inf", Max: upper, Offset: offset, Count: int64(limit),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("mailq/redis: list due: %w", err)
		}
		loaded, err := s.loadMany(ctx, ids)
		if err != nil {
			return nil, err
		}
		keep(loaded)
		if len(ids) > 0 {
			last = ids[len(ids)-1]
		}
		if len(ids) < limit {
			break
		}
		if len(due) >= limit {
			// Scores are milliseconds; pull every job sharing the last
			// score so the finer ordering below sees all ties.
			lastScore, err := s.client.ZScore(ctx, s.keys.due(), last).Result()
			if err != nil && !errors.Is(err, goredis.Nil) {
				return nil, fmt.Errorf("mailq/redis: list due score: %w", err)
			}
			bound := strconv.FormatFloat(lastScore, 'f', -1, 64)
			ties, err := s.client.ZRangeByScore(ctx, s.keys.due(), &goredis.ZRangeBy{Min: bound, Max: bound}).Result()
			if err != nil {
				return nil, fmt.Errorf("mailq/redis: list due ties: %w", err)
			}
			loaded, err := s.loadMany(ctx, ties)
			if err != nil {
				return nil, err
			}
			keep(loaded)
			break
		}
	}

	job.SortDue(due)
	if len(due) > limit {
		due = due[:limit]
	}
	if due == nil {
		due = []*job.Job{}
	}
	return due, nil
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

// mutate reads the job under WATCH, applies fn and writes the Hash and its
// index entries in one MULTI. A concurrent writer aborts the MULTI and the
// whole read-modify-write is retried against the new state.
func (s *Store) mutate(ctx context.Context, jobID id.JobID, op string, fn func(*job.Job) error) (*job.Job, error) {
	jID := jobID.String()
	key := s.keys.job(jID)

	var out *job.Job
	err := s.retry(ctx, func(tx *goredis.Tx) error {
		j, err := s.load(ctx, tx, jID)
		if err != nil {
			return err
		}
		if err := fn(j); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, jobToMap(j))
			s.index(ctx, pipe, j)
			return nil
		})
		if err != nil {
			return err
		}
		out = j
		return nil
	}, key)
	if err != nil {
		if isDomainErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("mailq/redis: %s: %w", op, err)
	}
	return out, nil
}

// Purge removes a terminal job and frees its idempotency key.
func (s *Store) Purge(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	key := s.keys.job(jID)

	err := s.retry(ctx, func(tx *goredis.Tx) error {
		j, err := s.load(ctx, tx, jID)
		if err != nil {
			return err
		}
		if err := job.CanPurge(j); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			s.remove(ctx, pipe, j)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if isDomainErr(err) {
			return err
		}
		return fmt.Errorf("mailq/redis: purge: %w", err)
	}
	return nil
}

// InterruptRunning returns the running jobs r selects to retrying, due at
// now. Each job is re-checked under WATCH, so a claim that changed since the
// scan is left alone.
func (s *Store) InterruptRunning(ctx context.Context, r job.Reclaim, now time.Time) ([]*job.Job, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	var out []*job.Job
	for _, candidate := range all {
		if !r.Matches(candidate) {
			continue
		}
		j, err := s.mutate(ctx, candidate.ID, "interrupt running", func(j *job.Job) error {
			if !r.Matches(j) || !job.Interrupt(j, now) {
				return errSkip
			}
			return nil
		})
		if errors.Is(err, errSkip) || errors.Is(err, mailq.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	job.SortDue(out)
	return out, nil
}

// NextDueAt returns the earliest NextAttemptAt among dispatchable jobs.
func (s *Store) NextDueAt(ctx context.Context) (time.Time, bool, error) {
	first, err := s.client.ZRangeWithScores(ctx, s.keys.due(), 0, 0).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("mailq/redis: next due: %w", err)
	}
	if len(first) == 0 {
		return time.Time{}, false, nil
	}
	bound := strconv.FormatFloat(first[0].Score, 'f', -1, 64)
	ids, err := s.client.ZRangeByScore(ctx, s.keys.due(), &goredis.ZRangeBy{Min: bound, Max: bound}).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("mailq/redis: next due: %w", err)
	}
	jobs, err := s.loadMany(ctx, ids)
	if err != nil {
		return time.Time{}, false, err
	}

	var (
		earliest time.Time
		found    bool
	)
	for _, j := range jobs {
		if !j.State.IsDispatchable() {
			continue
		}
		if !found || j.NextAttemptAt.Before(earliest) {
			earliest, found = j.NextAttemptAt, true
		}
	}
	return earliest, found, nil
}

// ListJobs returns jobs matching opts, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]*job.Job, 0, len(all))
	for _, j := range all {
		if opts.Matches(j) {
			matched = append(matched, j)
		}
	}
	job.SortNewest(matched)
	return opts.Page(matched), nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	if opts.State == "" && opts.Transport == "" {
		n, err := s.client.ZCard(ctx, s.keys.all()).Result()
		if err != nil {
			return 0, fmt.Errorf("mailq/redis: count jobs: %w", err)
		}
		return n, nil
	}

	all, err := s.loadAll(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	for _, j := range all {
		if opts.Matches(j) {
			count++
		}
	}
	return count, nil
}

// PurgeTerminalBefore removes terminal jobs last updated before the cutoff.
func (s *Store) PurgeTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.keys.terminal(), &goredis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("mailq/redis: purge terminal: %w", err)
	}

	var n int64
	for _, jID := range ids {
		err := s.retry(ctx, func(tx *goredis.Tx) error {
			j, err := s.load(ctx, tx, jID)
			if err != nil {
				return err
			}
			if !j.State.IsTerminal() || !j.UpdatedAt.Before(before) {
				return errSkip
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				s.remove(ctx, pipe, j)
				return nil
			})
			return err
		}, s.keys.job(jID))
		switch {
		case err == nil:
			n++
		case errors.Is(err, errSkip), errors.Is(err, mailq.ErrNotFound):
		default:
			return n, fmt.Errorf("mailq/redis: purge terminal: %w", err)
		}
	}
	return n, nil
}

// ── helpers ──

// retry runs fn under WATCH on keys, retrying when another client wins
// the race.
func (s *Store) retry(ctx context.Context, fn func(*goredis.Tx) error, watched ...string) error {
	for range s.maxRetries {
		err := s.client.Watch(ctx, fn, watched...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	s.logger.Warn("redis store: transaction retries exhausted",
		slog.Any("keys", watched), slog.Int("retries", s.maxRetries))
	return fmt.Errorf("%w: too many concurrent writers on %v", mailq.ErrConflict, watched)
}

// index keeps the due and terminal sets in step with the job's state.
func (s *Store) index(ctx context.Context, pipe goredis.Pipeliner, j *job.Job) {
	jID := j.ID.String()
	if j.State.IsDispatchable() {
		pipe.ZAdd(ctx, s.keys.due(), goredis.Z{Score: score(j.NextAttemptAt), Member: jID})
	} else {
		pipe.ZRem(ctx, s.keys.due(), jID)
	}
	if j.State.IsTerminal() {
		pipe.ZAdd(ctx, s.keys.terminal(), goredis.Z{Score: score(j.UpdatedAt), Member: jID})
	} else {
		pipe.ZRem(ctx, s.keys.terminal(), jID)
	}
}

func (s *Store) remove(ctx context.Context, pipe goredis.Pipeliner, j *job.Job) {
	jID := j.ID.String()
	pipe.Del(ctx, s.keys.job(jID))
	pipe.Del(ctx, s.keys.idempotency(j.IdempotencyKey))
	pipe.ZRem(ctx, s.keys.all(), jID)
	pipe.ZRem(ctx, s.keys.due(), jID)
	pipe.ZRem(ctx, s.keys.terminal(), jID)
}

// hashReader is satisfied by both the client and a WATCH transaction.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
}

func (s *Store) load(ctx context.Context, c hashReader, jID string) (*job.Job, error) {
	vals, err := c.HGetAll(ctx, s.keys.job(jID)).Result()
	if err != nil {
		return nil, fmt.Errorf("mailq/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, mailq.ErrNotFound
	}
	return mapToJob(vals)
}

func (s *Store) loadMany(ctx context.Context, ids []string) ([]*job.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, jID := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.keys.job(jID))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mailq/redis: load jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue // purged between index read and load
		}
		j, err := mapToJob(vals)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *Store) loadAll(ctx context.Context) ([]*job.Job, error) {
	ids, err := s.client.ZRange(ctx, s.keys.all(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("mailq/redis: list jobs: %w", err)
	}
	return s.loadMany(ctx, ids)
}

func isDomainErr(err error) bool {
	return errors.Is(err, mailq.ErrNotFound) ||
		errors.Is(err, mailq.ErrConflict) ||
		errors.Is(err, mailq.ErrInvalidTransition) ||
		errors.Is(err, mailq.ErrClaimLost) ||
		errors.Is(err, errSkip)
}

// score converts a time to a sorted-set score in Unix milliseconds.
func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func jobToMap(j *job.Job) map[string]any {
	return map[string]any{
		"id":               j.ID.String(),
		"idempotency_key":  j.IdempotencyKey,
		"transport":        j.Transport,
		"payload":          string(j.Payload),
		"state":            string(j.State),
		"attempts":         strconv.Itoa(j.Attempts),
		"max_attempts":     strconv.Itoa(j.MaxAttempts),
		"next_attempt_at":  formatTime(j.NextAttemptAt),
		"last_error_class": string(j.LastErrorClass),
		"last_error":       j.LastError,
		"started_at":       formatTimePtr(j.StartedAt),
		"finished_at":      formatTimePtr(j.FinishedAt),
		"created_at":       formatTime(j.CreatedAt),
		"updated_at":       formatTime(j.UpdatedAt),
		"owner":            j.Owner,
		"claim_token":      j.ClaimToken,
	}
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("mailq/redis: parse job id: %w", err)
	}

	attempts, _ := strconv.Atoi(m["attempts"])        //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: mailq.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:             jID,
		IdempotencyKey: m["idempotency_key"],
		Transport:      m["transport"],
		Payload:        []byte(m["payload"]),
		State:          job.State(m["state"]),
		Attempts:       attempts,
		MaxAttempts:    maxAttempts,
		NextAttemptAt:  parseTime(m["next_attempt_at"]),
		LastErrorClass: job.FailureClass(m["last_error_class"]),
		LastError:      m["last_error"],
		Owner:          m["owner"],
		ClaimToken:     m["claim_token"],
	}
	if v := m["started_at"]; v != "" {
		t := parseTime(v)
		j.StartedAt = &t
	}
	if v := m["finished_at"]; v != "" {
		t := parseTime(v)
		j.FinishedAt = &t
	}
	return j, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
	return t.UTC()
}

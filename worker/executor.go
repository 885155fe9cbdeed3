// Package worker provides the dispatch machinery: an Executor that runs a
// single claimed job through middleware and its transport and records the
// outcome, and a Pool that bounds how many attempts run at once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/mailq"
	"github.com/xraph/mailq/backoff"
	"github.com/xraph/mailq/ext"
	"github.com/xraph/mailq/job"
	"github.com/xraph/mailq/middleware"
	"github.com/xraph/mailq/transport"
)

// Executor runs one claimed job: it resolves the transport, calls it
// through the middleware chain, classifies the result, consults the
// backoff policy and records the outcome with Store.MarkResult.
//
// Transport failures never escape Execute; they become state transitions.
// Only store errors are returned.
type Executor struct {
	transports *transport.Registry
	extensions *ext.Registry
	store      job.Store
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
	now        func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMiddleware sets the middleware chain wrapped around each attempt.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	transports *transport.Registry,
	extensions *ext.Registry,
	store job.Store,
	bo backoff.Strategy,
	logger *slog.Logger,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		transports: transports,
		extensions: extensions,
		store:      store,
		backoff:    bo,
		mw:         middleware.Chain(),
		logger:     logger,
		now:        time.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.extensions == nil {
		e.extensions = ext.NewRegistry(e.logger)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs one attempt of a job already moved to running by
// MarkRunning and returns the job as stored afterwards.
//
// If ctx is cancelled while the attempt is in flight (shutdown), the
// attempt is recorded as an interruption: the job returns to retrying, due
// immediately, without consuming an attempt. Outcomes are written with a
// context detached from ctx's cancellation.
func (e *Executor) Execute(ctx context.Context, j *job.Job) (*job.Job, error) {
	e.extensions.EmitJobStarted(ctx, j)

	start := e.now()
	sendErr := e.send(ctx, j)
	elapsed := e.now().Sub(start)

	now := e.now().UTC()
	writeCtx := context.WithoutCancel(ctx)

	if sendErr == nil {
		return e.handleSuccess(writeCtx, j, now, elapsed)
	}
	if ctx.Err() != nil {
		return e.handleInterrupted(writeCtx, j, sendErr, now)
	}
	return e.handleFailure(writeCtx, j, sendErr, now)
}

func (e *Executor) send(ctx context.Context, j *job.Job) error {
	t, err := e.transports.Resolve(j.Transport)
	if err != nil {
		return transport.Permanent(err)
	}
	req := &transport.Request{
		JobID:          j.ID,
		IdempotencyKey: j.IdempotencyKey,
		Attempt:        j.Attempts + 1,
		Payload:        j.Payload,
	}
	return e.mw(ctx, j, func(ctx context.Context) error {
		return t.Send(ctx, req)
	})
}

// handleSuccess records the delivery and emits JobSucceeded.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, now time.Time, elapsed time.Duration) (*job.Job, error) {
	updated, err := e.record(ctx, j, job.Succeeded(j.Attempts+1, now))
	if err != nil {
		return nil, err
	}
	e.extensions.EmitJobSucceeded(ctx, updated, elapsed)
	return updated, nil
}

// handleFailure either schedules a retry or fails the job for good.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, sendErr error, now time.Time) (*job.Job, error) {
	attempts := j.Attempts + 1
	class := transport.Classify(sendErr)
	policy := backoff.Policy{Strategy: e.backoff, MaxAttempts: j.MaxAttempts}

	delay, retry := policy.NextDelay(attempts, class)
	if retry {
		next := now.Add(delay)
		updated, err := e.record(ctx, j, job.Retry(attempts, next, class, sendErr, now))
		if err != nil {
			return nil, err
		}
		e.extensions.EmitJobRetrying(ctx, updated, attempts, next)
		e.logger.Info("job scheduled for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("transport", j.Transport),
			slog.Int("attempt", attempts),
			slog.Int("max_attempts", j.MaxAttempts),
			slog.Duration("delay", delay),
		)
		return updated, nil
	}

	updated, err := e.record(ctx, j, job.Fail(attempts, class, sendErr, now))
	if err != nil {
		return nil, err
	}
	e.extensions.EmitJobFailed(ctx, updated, sendErr)
	e.logger.Warn("job failed",
		slog.String("job_id", j.ID.String()),
		slog.String("transport", j.Transport),
		slog.Int("attempts", attempts),
		slog.String("class", string(class)),
		slog.String("error", sendErr.Error()),
	)
	return updated, nil
}

// handleInterrupted returns the job to retrying, due now, leaving the
// attempt count unchanged.
func (e *Executor) handleInterrupted(ctx context.Context, j *job.Job, sendErr error, now time.Time) (*job.Job, error) {
	updated, err := e.record(ctx, j, job.Retry(j.Attempts, now, job.ClassTransient, sendErr, now))
	if err != nil {
		return nil, err
	}
	e.logger.Warn("attempt interrupted by shutdown",
		slog.String("job_id", j.ID.String()),
		slog.String("transport", j.Transport),
	)
	return updated, nil
}

// record writes o under the claim j was returned with by MarkRunning.
func (e *Executor) record(ctx context.Context, j *job.Job, o job.Outcome) (*job.Job, error) {
	updated, err := e.store.MarkResult(ctx, j.ID, o.For(j))
	if err == nil {
		return updated, nil
	}
	switch {
	case errors.Is(err, mailq.ErrClaimLost):
		e.logger.Warn("claim lost before outcome was recorded",
			slog.String("job_id", j.ID.String()),
			slog.String("owner", j.Owner),
			slog.String("outcome", string(o.State)),
		)
	case errors.Is(err, mailq.ErrInvalidTransition):
		e.logger.Error("invalid state transition recording outcome",
			slog.String("job_id", j.ID.String()),
			slog.String("outcome", string(o.State)),
			slog.String("error", err.Error()),
		)
	default:
		e.logger.Error("failed to record outcome",
			slog.String("job_id", j.ID.String()),
			slog.String("outcome", string(o.State)),
			slog.String("error", err.Error()),
		)
	}
	return nil, fmt.Errorf("record %s outcome for %s: %w", o.State, j.ID, err)
}

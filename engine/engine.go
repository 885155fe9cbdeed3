// Package engine wires the mailq subsystems together and provides the
// caller API: Enqueue, Status, Cancel, Purge, Resubmit and friends.
//
// This package exists to break an import cycle: the root mailq package
// defines Entity and the sentinel errors (imported by job, store, worker,
// etc.) and so cannot import those packages back. The engine package sits
// above all subsystem packages and below the application layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/mailq"
	"github.com/xraph/mailq/backoff"
	"github.com/xraph/mailq/ext"
	"github.com/xraph/mailq/id"
	"github.com/xraph/mailq/job"
	mw "github.com/xraph/mailq/middleware"
	"github.com/xraph/mailq/observability"
	"github.com/xraph/mailq/scheduler"
	"github.com/xraph/mailq/throttle"
	"github.com/xraph/mailq/transport"
	"github.com/xraph/mailq/wake"
	"github.com/xraph/mailq/worker"
)

// instrumentationName is the OTel scope used for providers passed in.
const instrumentationName = "github.com/xraph/mailq"

// Engine wraps a Dispatcher with the scheduler, worker pool and caller API.
// Use Build() to create one from a Dispatcher.
type Engine struct {
	instanceID id.WorkerID
	d          *mailq.Dispatcher
	store      job.Store
	transports *transport.Registry
	extensions *ext.Registry
	bo         backoff.Strategy
	mws        []mw.Middleware
	limits     []throttle.Limit
	sources    []wake.Source
	logger     *slog.Logger
	now        func() time.Time

	throttle  *throttle.Manager
	timer     *wake.Timer
	pool      *worker.Pool
	executor  *worker.Executor
	scheduler *scheduler.Scheduler

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu            sync.Mutex
	cancelSources context.CancelFunc
	sourceGroup   *errgroup.Group
	sourceCtx     context.Context
}

// Option configures an Engine.
type Option func(*Engine)

// WithTransport registers a transport under name. Jobs name their
// transport at enqueue time.
func WithTransport(name string, t transport.Transport) Option {
	return func(eng *Engine) {
		eng.transports.Register(name, t)
	}
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware inside the default chain, just around the
// transport call.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry delay strategy. If not set, a capped
// exponential strategy built from the Dispatcher's BackoffBase and
// BackoffCap is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithThrottle sets per-transport rate and concurrency limits.
// Transports not listed are unlimited.
func WithThrottle(limits ...throttle.Limit) Option {
	return func(eng *Engine) {
		eng.limits = append(eng.limits, limits...)
	}
}

// WithWakeSource adds a source of scheduler wakes, such as a
// wake.Periodic keep-alive or a rediswake.Subscriber.
func WithWakeSource(src wake.Source) Option {
	return func(eng *Engine) {
		eng.sources = append(eng.sources, src)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Dispatcher.
// The Dispatcher's store must implement job.Store.
func Build(d *mailq.Dispatcher, opts ...Option) (*Engine, error) {
	logger := d.Logger()
	store := d.Store()

	if store == nil {
		return nil, mailq.ErrNoStore
	}

	js, ok := store.(job.Store)
	if !ok {
		return nil, fmt.Errorf("mailq: store does not implement job.Store")
	}

	config := d.Config()
	eng := &Engine{
		instanceID: id.NewWorkerID(),
		d:          d,
		store:      js,
		transports: transport.NewRegistry(),
		extensions: ext.NewRegistry(logger),
		logger:     logger,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.NewCapped(config.BackoffBase, config.BackoffCap)
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Default chain: tracing → metrics → logging → timeout → recover.
	// Recover sits inside Timeout so it runs on the attempt goroutine.
	allMws := make([]mw.Middleware, 0, 5+len(eng.mws))
	allMws = append(allMws,
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(config.AttemptTimeout, logger),
		mw.Recover(logger),
	)
	allMws = append(allMws, eng.mws...)

	eng.executor = worker.NewExecutor(eng.transports, eng.extensions, js, eng.bo, logger,
		worker.WithMiddleware(allMws...),
	)
	eng.pool = worker.NewPool(config.Concurrency, logger)
	eng.throttle = throttle.NewManager(eng.limits...)
	eng.timer = wake.NewTimer(wake.WithLogger(logger))
	eng.scheduler = scheduler.New(js, eng.pool, eng.executor, eng.timer,
		scheduler.WithThrottle(eng.throttle),
		scheduler.WithExtensions(eng.extensions),
		scheduler.WithLogger(logger),
		scheduler.WithMaxPollInterval(config.MaxPollInterval),
		scheduler.WithOwner(config.Instance),
		scheduler.WithClaimTTL(config.ClaimTTL),
	)

	// Wire back into the Dispatcher.
	d.SetRunner(eng.scheduler)
	d.SetExtensions(eng.extensions)

	return eng, nil
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start recovers interrupted jobs, starts the scheduler and every wake
// source. A failing source stops the other external sources and ends Run;
// the scheduler's own timer keeps running until Stop.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.d.Start(ctx); err != nil {
		return err
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()

	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(base)
	eng.cancelSources = cancel
	eng.sourceGroup = g
	eng.sourceCtx = gctx

	// The timer runs on base so a failing external source cannot stop it.
	g.Go(func() error { return eng.timer.Run(base, eng.Wake) })
	for _, src := range eng.sources {
		g.Go(func() error {
			eng.logger.Info("wake source started", slog.String("source", src.Name()))
			if err := src.Run(gctx, eng.Wake); err != nil {
				eng.logger.Error("wake source failed",
					slog.String("source", src.Name()),
					slog.String("error", err.Error()),
				)
				return fmt.Errorf("wake source %s: %w", src.Name(), err)
			}
			return nil
		})
	}

	eng.logger.Info("mailq engine started",
		slog.String("instance_id", eng.instanceID.String()),
		slog.String("owner", eng.scheduler.Owner()),
		slog.Int("transports", len(eng.transports.Names())),
		slog.Int("wake_sources", len(eng.sources)),
	)
	return nil
}

// Stop stops the wake sources, then the scheduler, waiting up to the
// Dispatcher's ShutdownTimeout for in-flight attempts, and closes the store.
// It returns the first wake source error, if any.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.mu.Lock()
	cancel, g := eng.cancelSources, eng.sourceGroup
	eng.cancelSources, eng.sourceGroup, eng.sourceCtx = nil, nil, nil
	eng.mu.Unlock()

	var sourceErr error
	if cancel != nil {
		cancel()
		sourceErr = g.Wait()
	}
	return errors.Join(eng.d.Stop(ctx), sourceErr)
}

// Run starts the engine and blocks until ctx ends or a wake source fails,
// then stops it with a fresh context bounded by the Dispatcher's
// ShutdownTimeout.
func (eng *Engine) Run(ctx context.Context) error {
	if err := eng.Start(ctx); err != nil {
		return err
	}

	eng.mu.Lock()
	sourceCtx := eng.sourceCtx
	eng.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-sourceCtx.Done():
	}

	return eng.Stop(context.WithoutCancel(ctx))
}

// Wake asks the scheduler for a dispatch cycle now.
func (eng *Engine) Wake() { eng.scheduler.OnWake() }

// ──────────────────────────────────────────────────
// Caller API
// ──────────────────────────────────────────────────

// Enqueue persists a pending job and wakes the scheduler. If key already
// belongs to a job, that job is returned unchanged with a nil error and no
// new work is created.
func (eng *Engine) Enqueue(ctx context.Context, key, transportName string, payload []byte, opts ...job.Option) (*job.Job, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", mailq.ErrInvalidJob)
	}
	if transportName == "" {
		return nil, fmt.Errorf("%w: transport is required", mailq.ErrInvalidJob)
	}

	j := job.New(key, transportName, payload, eng.d.Config().MaxAttempts, opts...)
	if err := eng.store.PutJob(ctx, j); err != nil {
		var dup *mailq.DuplicateKeyError
		if errors.As(err, &dup) {
			existing, getErr := eng.store.GetJob(ctx, dup.ID)
			if getErr != nil {
				return nil, fmt.Errorf("load job for key %q: %w", key, getErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("enqueue %q: %w", key, err)
	}

	eng.extensions.EmitJobEnqueued(ctx, j)
	eng.logger.Debug("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("idempotency_key", key),
		slog.String("transport", transportName),
	)
	eng.Wake()
	return j, nil
}

// Status returns the job with the given id, or mailq.ErrNotFound.
func (eng *Engine) Status(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.store.GetJob(ctx, jobID)
}

// StatusByKey returns the job owning an idempotency key.
func (eng *Engine) StatusByKey(ctx context.Context, key string) (*job.Job, error) {
	return eng.store.GetJobByKey(ctx, key)
}

// Cancel withdraws a pending or retrying job. Running and terminal jobs
// yield mailq.ErrConflict.
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := eng.store.Cancel(ctx, jobID, eng.now())
	if err != nil {
		return nil, err
	}
	eng.extensions.EmitJobCancelled(ctx, j)
	return j, nil
}

// Purge removes a terminal job and frees its idempotency key.
func (eng *Engine) Purge(ctx context.Context, jobID id.JobID) error {
	return eng.store.Purge(ctx, jobID)
}

// Resubmit enqueues a fresh copy of a terminal job under newKey, with the
// same transport, payload and attempt budget and a zero attempt count.
// The original job is left as it is.
func (eng *Engine) Resubmit(ctx context.Context, jobID id.JobID, newKey string) (*job.Job, error) {
	if newKey == "" {
		return nil, fmt.Errorf("%w: resubmission needs a new idempotency key", mailq.ErrInvalidJob)
	}
	old, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !old.State.IsTerminal() {
		return nil, fmt.Errorf("%w: resubmit %s in state %s", mailq.ErrConflict, jobID, old.State)
	}
	if newKey == old.IdempotencyKey {
		return nil, fmt.Errorf("%w: resubmission must not reuse key %q", mailq.ErrInvalidJob, newKey)
	}

	j, err := eng.Enqueue(ctx, newKey, old.Transport, old.Payload, job.WithMaxAttempts(old.MaxAttempts))
	if err != nil {
		return nil, err
	}
	eng.logger.Info("job resubmitted",
		slog.String("job_id", j.ID.String()),
		slog.String("from_job_id", old.ID.String()),
	)
	return j, nil
}

// List returns jobs newest first.
func (eng *Engine) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	return eng.store.ListJobs(ctx, opts)
}

// Counts returns the number of jobs in each state. Every state is present.
func (eng *Engine) Counts(ctx context.Context) (map[job.State]int64, error) {
	counts := make(map[job.State]int64, len(job.States))
	for _, s := range job.States {
		n, err := eng.store.CountJobs(ctx, job.CountOpts{State: s})
		if err != nil {
			return nil, fmt.Errorf("count %s jobs: %w", s, err)
		}
		counts[s] = n
	}
	return counts, nil
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// InstanceID identifies this engine in logs.
func (eng *Engine) InstanceID() id.WorkerID { return eng.instanceID }

// Owner is the name this engine's claims are made under.
func (eng *Engine) Owner() string { return eng.scheduler.Owner() }

// Dispatcher returns the underlying Dispatcher.
func (eng *Engine) Dispatcher() *mailq.Dispatcher { return eng.d }

// Store returns the job store.
func (eng *Engine) Store() job.Store { return eng.store }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Transports returns the transport registry.
func (eng *Engine) Transports() *transport.Registry { return eng.transports }

// Throttle returns the per-transport limit manager.
func (eng *Engine) Throttle() *throttle.Manager { return eng.throttle }

// Scheduler returns the dispatch scheduler.
func (eng *Engine) Scheduler() *scheduler.Scheduler { return eng.scheduler }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

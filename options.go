package mailq

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher) error

// Storer is the minimal store interface held by the Dispatcher.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// runner is an internal interface for scheduler lifecycle.
type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Dispatcher is the central coordinator holding configuration, the store
// and the scheduler lifecycle.
//
// Create one with New() and functional options, then wire subsystems with
// engine.Build. The Dispatcher refers to them through internal interfaces
// to avoid import cycles.
type Dispatcher struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	runner     runner

	started bool
}

// New creates a new Dispatcher with the given options.
func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if err := d.config.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Logger returns the dispatcher's logger.
func (d *Dispatcher) Logger() *slog.Logger { return d.logger }

// Store returns the dispatcher's store.
func (d *Dispatcher) Store() Storer { return d.store }

// Config returns a copy of the dispatcher's configuration.
func (d *Dispatcher) Config() Config { return d.config }

// SetRunner sets the scheduler (called by engine.Build).
func (d *Dispatcher) SetRunner(r runner) { d.runner = r }

// SetExtensions sets the extension emitter (called by engine.Build).
func (d *Dispatcher) SetExtensions(e extensionEmitter) { d.extensions = e }

// Start begins background dispatch.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.store == nil {
		return ErrNoStore
	}
	if d.runner == nil {
		return fmt.Errorf("mailq: dispatcher has no scheduler, use engine.Build")
	}
	if err := d.runner.Start(ctx); err != nil {
		return err
	}
	d.started = true
	return nil
}

// Stop gracefully shuts down the dispatcher. In-flight attempts get up to
// ShutdownTimeout to finish. The store is closed last.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.runner != nil && d.started {
		stopCtx, cancel := context.WithTimeout(ctx, d.config.ShutdownTimeout)
		if err := d.runner.Stop(stopCtx); err != nil {
			d.logger.Error("scheduler stop error", slog.String("error", err.Error()))
		}
		cancel()
		d.started = false
	}
	if d.extensions != nil {
		d.extensions.EmitShutdown(ctx)
	}
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) error {
		d.config = cfg
		return nil
	}
}

// WithConcurrency sets the maximum number of concurrent dispatch attempts.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) error {
		d.config.Concurrency = n
		return nil
	}
}

// WithMaxAttempts sets the default attempt budget for new jobs.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) error {
		d.config.MaxAttempts = n
		return nil
	}
}

// WithBackoff sets the base and cap of the default retry backoff.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.BackoffBase = base
		d.config.BackoffCap = maxDelay
		return nil
	}
}

// WithAttemptTimeout bounds a single transport call.
func WithAttemptTimeout(t time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.AttemptTimeout = t
		return nil
	}
}

// WithMaxPollInterval sets the longest sleep between scheduler wakes.
func WithMaxPollInterval(t time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.MaxPollInterval = t
		return nil
	}
}

// WithShutdownTimeout sets how long Stop waits for in-flight attempts.
func WithShutdownTimeout(t time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.ShutdownTimeout = t
		return nil
	}
}

// WithInstance names the claims this dispatcher's scheduler makes.
func WithInstance(name string) Option {
	return func(d *Dispatcher) error {
		d.config.Instance = name
		return nil
	}
}

// WithClaimTTL sets how old another instance's claim must be before it is
// taken back.
func WithClaimTTL(t time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.ClaimTTL = t
		return nil
	}
}

// WithLogger sets the structured logger for the dispatcher.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) error {
		d.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the dispatcher.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds job.Store.
func WithStore(s Storer) Option {
	return func(d *Dispatcher) error {
		d.store = s
		return nil
	}
}

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/xraph/mailq/id"
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("mailq: worker pool stopped")

// Pool runs at most size tasks at once, each in its own goroutine. It never
// queues: Submit fails fast when every slot is taken, so the caller leaves
// the job in the store for a later wake.
type Pool struct {
	size   int
	logger *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	stopped bool

	activeMu   sync.Mutex
	activeJobs map[id.JobID]context.CancelFunc
}

// NewPool creates a pool with size slots. Sizes below one are raised to one.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		size:       size,
		logger:     logger,
		sem:        make(chan struct{}, size),
		activeJobs: make(map[id.JobID]context.CancelFunc),
	}
}

// Size returns the concurrency limit.
func (p *Pool) Size() int { return p.size }

// Inflight returns the number of running tasks.
func (p *Pool) Inflight() int { return len(p.sem) }

// Capacity returns how many more tasks can start right now.
func (p *Pool) Capacity() int { return p.size - len(p.sem) }

// Submit starts fn for jobID if a slot is free. The context passed to fn
// is cancelled only when Stop gives up waiting. It reports false when the
// pool is full, and ErrPoolStopped after Stop.
func (p *Pool) Submit(jobID id.JobID, fn func(ctx context.Context)) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false, ErrPoolStopped
	}

	select {
	case p.sem <- struct{}{}:
	default:
		return false, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.trackJob(jobID, cancel)
	p.wg.Add(1)
	go func() {
		defer func() {
			p.untrackJob(jobID)
			cancel()
			<-p.sem
			p.wg.Done()
		}()
		fn(ctx)
	}()
	return true, nil
}

// Stop refuses new work and waits for running tasks. When ctx ends first,
// running tasks are cancelled and Stop waits for them to return.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.Int("inflight", p.Inflight()))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active attempts")
		p.cancelActiveJobs()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) trackJob(jobID id.JobID, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID id.JobID) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active attempt", slog.String("job_id", jobID.String()))
		cancel()
	}
}

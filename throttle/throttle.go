package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit defines per-transport rate limiting and concurrency.
type Limit struct {
	// Transport is the registered transport name the limit applies to.
	Transport string

	// MaxConcurrency limits how many attempts on this transport may run
	// at once. Zero means no transport-specific limit.
	MaxConcurrency int

	// Rate is the maximum sustained attempts per second. Zero disables
	// rate limiting.
	Rate float64

	// Burst is the token-bucket size. Defaults to 1 when Rate is set.
	Burst int
}

// transportState tracks runtime state for a single transport.
type transportState struct {
	limit   Limit
	limiter *rate.Limiter
	active  int
}

// Manager enforces per-transport limits. It is safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	transports map[string]*transportState
	now        func() time.Time
}

// NewManager creates a Manager with the given limits.
func NewManager(limits ...Limit) *Manager {
	m := &Manager{
		transports: make(map[string]*transportState, len(limits)),
		now:        time.Now,
	}
	for _, l := range limits {
		m.transports[l.Transport] = newTransportState(l)
	}
	return m
}

func newTransportState(l Limit) *transportState {
	ts := &transportState{limit: l}
	if l.Rate > 0 {
		burst := l.Burst
		if burst <= 0 {
			burst = 1
		}
		ts.limiter = rate.NewLimiter(rate.Limit(l.Rate), burst)
	}
	return ts
}

// Acquire reports whether an attempt on transport may start now. On
// success the active count is incremented and the caller must call
// Release when the attempt ends. When the rate limit refuses, wait is how
// long until a token is available; a concurrency refusal returns zero
// wait because only a Release frees a slot.
func (m *Manager) Acquire(transport string) (ok bool, wait time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.transports[transport]
	if ts == nil {
		return true, 0
	}
	if ts.limit.MaxConcurrency > 0 && ts.active >= ts.limit.MaxConcurrency {
		return false, 0
	}
	if ts.limiter != nil {
		now := m.now()
		r := ts.limiter.ReserveN(now, 1)
		if !r.OK() {
			return false, 0
		}
		if d := r.DelayFrom(now); d > 0 {
			r.CancelAt(now)
			return false, d
		}
	}
	ts.active++
	return true, 0
}

// Release decrements the active count for transport.
func (m *Manager) Release(transport string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts := m.transports[transport]; ts != nil && ts.active > 0 {
		ts.active--
	}
}

// SetLimit dynamically updates (or creates) a transport limit.
func (m *Manager) SetLimit(l Limit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.transports[l.Transport]
	ts := newTransportState(l)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		ts.active = existing.active
	}
	m.transports[l.Transport] = ts
}

// ActiveCount returns the number of running attempts on transport. Only
// limited transports are tracked.
func (m *Manager) ActiveCount(transport string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.transports[transport]; ts != nil {
		return ts.active
	}
	return 0
}

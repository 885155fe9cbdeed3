package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/mailq"
)

// Registry maps transport names to implementations.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewRegistry creates an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]Transport),
	}
}

// Register adds or replaces the transport under name.
func (r *Registry) Register(name string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = t
}

// Get returns the transport registered under name.
// Returns false if none is registered.
func (r *Registry) Get(name string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	return t, ok
}

// Resolve is Get returning mailq.ErrNoTransport for unknown names.
func (r *Registry) Resolve(name string) (Transport, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", mailq.ErrNoTransport, name)
	}
	return t, nil
}

// Names returns all registered transport names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package transport

import (
	"sort"
	"sync"
)

// Registry holds the registered transports ordered by priority, highest first.
type Registry struct {
	mu         sync.RWMutex
	transports []Transport
}

// NewRegistry creates an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a transport. A transport with the same protocol name
// replaces the previous registration.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.transports {
		if existing.Protocol() == t.Protocol() {
			r.transports[i] = t
			r.sortLocked()
			return
		}
	}
	r.transports = append(r.transports, t)
	r.sortLocked()
}

func (r *Registry) sortLocked() {
	sort.SliceStable(r.transports, func(i, j int) bool {
		return r.transports[i].Priority() > r.transports[j].Priority()
	})
}

// Transports returns the registered transports, highest priority first.
func (r *Registry) Transports() []Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Transport, len(r.transports))
	copy(out, r.transports)
	return out
}

// ByProtocol returns the transport registered under the given protocol name.
func (r *Registry) ByProtocol(name string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.transports {
		if t.Protocol() == name {
			return t, true
		}
	}
	return nil, false
}

// Close closes every registered transport, returning the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	transports := r.transports
	r.transports = nil
	r.mu.Unlock()

	var firstErr error
	for _, t := range transports {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

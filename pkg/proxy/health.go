package proxy

import (
	"sync"
	"time"
)

// HealthRegistry tracks per-listener liveness for the admin /healthz
// endpoints. Listeners report up/down transitions; the admin mux reads.
type HealthRegistry struct {
	mu        sync.RWMutex
	listeners map[string]*listenerHealth
}

type listenerHealth struct {
	Up    bool      `json:"up"`
	Since time.Time `json:"since"`
}

// NewHealthRegistry creates an empty registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{listeners: make(map[string]*listenerHealth)}
}

// SetUp marks a listener live.
func (r *HealthRegistry) SetUp(name string) {
	r.set(name, true)
}

// SetDown marks a listener stopped or failed.
func (r *HealthRegistry) SetDown(name string) {
	r.set(name, false)
}

func (r *HealthRegistry) set(name string, up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[name] = &listenerHealth{Up: up, Since: time.Now()}
}

// IsUp reports whether the named listener is live. Unknown listeners are
// not up.
func (r *HealthRegistry) IsUp(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.listeners[name]
	return ok && h.Up
}

// Snapshot returns the liveness of every registered listener.
func (r *HealthRegistry) Snapshot() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.listeners))
	for name, h := range r.listeners {
		out[name] = h.Up
	}
	return out
}

package registry

import (
	"fmt"
	"sort"
	"sync"

	"atlas/internal/atlaserr"
)

// entry pairs a registered provider with the priority it was registered at.
type entry struct {
	provider Provider
	priority int
}

// Registry holds providers keyed by capability. Selection returns the first
// provider advertising the requested capability, ordered by priority then
// latency class. Re-initialization is idempotent: Clear followed by Register
// calls is the only mutation path (spec §4.1, §5 "effectively immutable after
// daemon start").
type Registry struct {
	mu      sync.RWMutex
	byCap   map[Capability][]entry
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{byCap: make(map[Capability][]entry)}
}

// Register adds a provider at the given priority (higher wins ties by
// latency class, lower LatencyClass preferred). A provider is registered once
// per capability it advertises as true in Capabilities().
func (r *Registry) Register(p Provider, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cap, has := range p.Capabilities() {
		if !has {
			continue
		}
		r.byCap[cap] = append(r.byCap[cap], entry{provider: p, priority: priority})
		sort.SliceStable(r.byCap[cap], func(i, j int) bool {
			a, b := r.byCap[cap][i], r.byCap[cap][j]
			if a.priority != b.priority {
				return a.priority > b.priority
			}
			return a.provider.Latency() < b.provider.Latency()
		})
	}
}

// Clear removes all registered providers. Clear+Register is the only
// supported reconfiguration sequence; it must run before any new ingest
// starts (spec §5).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCap = make(map[Capability][]entry)
}

// Select returns the highest-priority provider advertising cap, or
// atlaserr.ErrCapabilityMismatch ("no provider for capability X" is a
// distinct error kind per spec §4.1).
func (r *Registry) Select(cap Capability) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.byCap[cap]
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", atlaserr.ErrCapabilityMismatch, cap)
	}
	return entries[0].provider, nil
}

// SelectNamed returns the highest-priority provider advertising cap whose
// Name() equals name, for backend-specifier-driven selection
// ("provider[:model]", §6.1).
func (r *Registry) SelectNamed(cap Capability, name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byCap[cap] {
		if e.provider.Name() == name {
			return e.provider, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", atlaserr.ErrCapabilityMismatch, name, cap)
}

// All returns every provider registered for cap, in priority order.
func (r *Registry) All(cap Capability) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.byCap[cap]
	out := make([]Provider, len(entries))
	for i, e := range entries {
		out[i] = e.provider
	}
	return out
}

package breaker

import (
	"sort"
	"sync"
	"time"
)

// Registry holds the shared breaker for each dependency name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
	now      func() time.Time
}

// NewRegistry creates a registry whose breakers are built from defaults
// unless Configure overrides them per name.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults.withDefaults(),
		now:      time.Now,
	}
}

// NewRegistryWithClock is NewRegistry with an injected clock for tests. All
// breakers the registry creates share the clock.
func NewRegistryWithClock(defaults Config, now func() time.Time) *Registry {
	r := NewRegistry(defaults)
	r.now = now
	return r
}

// GetOrCreate returns the breaker for name, creating it with the registry
// defaults on first use.
func (r *Registry) GetOrCreate(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewWithClock(name, r.defaults, r.now)
	r.breakers[name] = b
	return b
}

// Configure creates or replaces the breaker for name with an explicit
// config. Replacing discards the old breaker's state.
func (r *Registry) Configure(name string, cfg Config) *Breaker {
	if cfg.Logger == nil {
		cfg.Logger = r.defaults.Logger
	}
	b := NewWithClock(name, cfg, r.now)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[name] = b
	return b
}

// Get returns the breaker for name if one exists.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// List returns a snapshot of every breaker, sorted by name.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

// Reset forces the named breaker closed. It reports whether the breaker
// existed.
func (r *Registry) Reset(name string) bool {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

package zonal

import "sync"

// Aggregate is a named custom statistic that depends on the request's
// comparison.
type Aggregate func(p Pixels, c Comparison) float64

// Custom aggregate names.
const (
	IntersectPixels = "intersect_pixels"
	IntersectArea   = "intersect_area"
)

// Registry holds custom aggregates in registration order.
type Registry struct {
	mu    sync.RWMutex
	names []string
	fns   map[string]Aggregate
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Aggregate)}
}

// DefaultRegistry returns a registry with intersect_pixels and intersect_area.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(IntersectPixels, intersectPixels)
	r.Register(IntersectArea, func(p Pixels, c Comparison) float64 {
		return intersectPixels(p, c) * p.AreaKm2
	})
	return r
}

// Register adds or replaces fn under name.
func (r *Registry) Register(name string, fn Aggregate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fns[name]; !ok {
		r.names = append(r.names, name)
	}
	r.fns[name] = fn
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Get returns the aggregate registered under name.
func (r *Registry) Get(name string) (Aggregate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

func intersectPixels(p Pixels, c Comparison) float64 {
	var n int
	for _, v := range p.Values {
		if c.Holds(v) {
			n++
		}
	}
	return float64(n)
}

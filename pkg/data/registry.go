package data

import (
	"context"
	"slices"
	"sync"
)

// Conversion gives a converter access to the provisioning context and the
// scope that owns anything it creates.
type Conversion struct {
	Env   *Env
	Scope *Scope
}

// ConvertFunc turns a value of one kind into a value of another. It must be
// deterministic and must register every external resource it creates with
// c.Scope.
type ConvertFunc func(ctx context.Context, c Conversion, src any) (any, error)

// Registry maps (from, to) kind pairs to converters.
type Registry struct {
	mu    sync.RWMutex
	funcs map[Kind]map[Kind]ConvertFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[Kind]map[Kind]ConvertFunc)}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the shared registry holding the built-in converters.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
		RegisterBuiltins(defaultRegistry)
	})
	return defaultRegistry
}

// Register adds or replaces the converter for from→to.
func (r *Registry) Register(from, to Kind, fn ConvertFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	targets, ok := r.funcs[from]
	if !ok {
		targets = make(map[Kind]ConvertFunc)
		r.funcs[from] = targets
	}
	targets[to] = fn
}

// Lookup returns the direct converter for from→to.
func (r *Registry) Lookup(from, to Kind) (ConvertFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[from][to]
	return fn, ok
}

// Path returns the shortest chain of kinds from→…→to, inclusive of both
// ends. Ties are broken by kind name so paths are stable.
func (r *Registry) Path(from, to Kind) ([]Kind, bool) {
	if from == to {
		return []Kind{from}, true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	prev := map[Kind]Kind{from: from}
	queue := []Kind{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		next := make([]Kind, 0, len(r.funcs[cur]))
		for k := range r.funcs[cur] {
			next = append(next, k)
		}
		slices.Sort(next)

		for _, k := range next {
			if _, seen := prev[k]; seen {
				continue
			}
			prev[k] = cur
			if k == to {
				path := []Kind{to}
				for at := to; at != from; {
					at = prev[at]
					path = append(path, at)
				}
				slices.Reverse(path)
				return path, true
			}
			queue = append(queue, k)
		}
	}
	return nil, false
}

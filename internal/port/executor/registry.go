package executor

import (
	"sort"
	"sync"
)

// Registry maps agent type tags to executors. It is populated at startup and
// read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to a type tag. A later registration for the
// same tag replaces the earlier one.
func (r *Registry) Register(typeTag string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[typeTag] = e
}

// Get returns the executor for typeTag.
func (r *Registry) Get(typeTag string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[typeTag]
	return e, ok
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

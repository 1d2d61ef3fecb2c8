package workflow

import (
	"context"
	"sync"
)

// Resource is a process-wide singleton keyed by its class name,
// initialized after the data manager is open and before any stage's
// Init runs. Resources may read the file and publish derived tables but
// MUST NOT mutate during Run.
type Resource interface {
	Init(ctx context.Context) error
}

// ResourceFactory constructs a Resource from its configuration params.
type ResourceFactory func(params map[string]interface{}) (Resource, error)

// ResourceRegistry is the explicit container that replaces process-wide
// mutable state: the manager owns one instance and initializes every
// resource in it. Stages are not handed it: neither StageFactory nor any
// Stage method receives the registry.
type ResourceRegistry struct {
	mu        sync.RWMutex
	instances map[string]Resource
}

func newResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{instances: make(map[string]Resource)}
}

func (r *ResourceRegistry) add(classname string, res Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[classname]; exists {
		return configErrorf("resource %q already registered (at most one instance per class)", classname)
	}
	r.instances[classname] = res
	return nil
}

// Get returns the single instance of classname, or false if no such
// resource was configured.
func (r *ResourceRegistry) Get(classname string) (Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.instances[classname]
	return res, ok
}

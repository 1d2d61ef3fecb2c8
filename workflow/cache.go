package workflow

import (
	"context"
	"sync"
)

// Cache is the per-iteration mapping from a Stage's required-dataset
// name to its pre-materialized join: each entry is either a materialized
// value or a producer closure, and Evict replaces a materialized value
// with its producer so the next Get rematerializes it from current
// on-disk state rather than a stale snapshot.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	value   interface{}
	has     bool
	produce func(ctx context.Context) (interface{}, error)
}

func newCache() *Cache {
	return &Cache{entries: make(map[string]*cacheEntry)}
}

// register installs a lazy producer for name, replacing any prior entry.
// Called by the manager when it rebuilds the cache at the start of each
// iteration.
func (c *Cache) register(name string, produce func(ctx context.Context) (interface{}, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = &cacheEntry{produce: produce}
}

// Get returns name's materialized value, producing and memoizing it on
// first access within this iteration.
func (c *Cache) Get(ctx context.Context, name string) (interface{}, error) {
	c.mu.Lock()
	e, ok := c.entries[name]
	if !ok {
		c.mu.Unlock()
		return nil, configErrorf("cache: no required dataset named %q", name)
	}
	if e.has {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := e.produce(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	e.value, e.has = v, true
	c.mu.Unlock()
	return v, nil
}

// Evict forces name to rematerialize from current on-disk state on its
// next Get within this iteration.
func (c *Cache) Evict(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		e.has = false
		e.value = nil
	}
}

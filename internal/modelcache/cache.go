package modelcache

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Loader loads one model by id.
type Loader[M any] func(ctx context.Context, id string) (M, error)

// Cache keeps loaded models for the process lifetime. Concurrent requests
// for a model that is not loaded yet share a single load; failed loads are
// not remembered.
type Cache[M any] struct {
	load  Loader[M]
	group singleflight.Group

	mu     sync.RWMutex
	models map[string]M
}

func New[M any](load Loader[M]) *Cache[M] {
	return &Cache[M]{
		load:   load,
		models: make(map[string]M),
	}
}

func (c *Cache[M]) Get(ctx context.Context, id string) (M, error) {
	c.mu.RLock()
	m, ok := c.models[id]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		c.mu.RLock()
		m, ok := c.models[id]
		c.mu.RUnlock()
		if ok {
			return m, nil
		}

		// the load outlives any single caller waiting on it
		loaded, err := c.load(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.models[id] = loaded
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		var zero M
		return zero, err
	}
	return v.(M), nil
}

// Loaded lists the ids currently held, sorted.
func (c *Cache[M]) Loaded() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ret := make([]string, 0, len(c.models))
	for id := range c.models {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}

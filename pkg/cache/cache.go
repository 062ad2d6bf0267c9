package cache

import (
	"context"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// call is an in-flight load shared by every caller asking for the same key.
type call[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// TTL is a concurrency-safe map whose entries expire after a fixed time.
// Concurrent misses on one key share a single load.
type TTL[K comparable, V any] struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	items    map[K]entry[V]
	inflight map[K]*call[V]

	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a cache whose entries live for ttl. Expired entries are
// swept every ttl/2 until Stop.
func New[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	c := &TTL[K, V]{
		ttl:      ttl,
		now:      time.Now,
		items:    make(map[K]entry[V]),
		inflight: make(map[K]*call[V]),
		stop:     make(chan struct{}),
	}
	if ttl > 0 {
		go c.sweepEvery(ttl / 2)
	}
	return c
}

func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key)
}

func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// GetOrLoad returns the cached value or runs load and caches its result.
// Errors are returned to every waiter and are not cached. A waiter whose
// ctx ends stops waiting; the load itself keeps the first caller's ctx.
func (c *TTL[K, V]) GetOrLoad(ctx context.Context, key K, load func(context.Context) (V, error)) (V, error) {
	c.mu.Lock()
	if v, ok := c.lookup(key); ok {
		c.mu.Unlock()
		return v, nil
	}
	if cl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-cl.done:
			return cl.value, cl.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
	cl := &call[V]{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	cl.value, cl.err = load(ctx)

	c.mu.Lock()
	delete(c.inflight, key)
	if cl.err == nil {
		c.items[key] = entry[V]{value: cl.value, expiresAt: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()
	close(cl.done)
	return cl.value, cl.err
}

func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stop ends the sweeper. It is safe to call more than once.
func (c *TTL[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *TTL[K, V]) lookup(key K) (V, bool) {
	e, ok := c.items[key]
	if !ok || c.now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *TTL[K, V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, k)
		}
	}
}

func (c *TTL[K, V]) sweepEvery(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

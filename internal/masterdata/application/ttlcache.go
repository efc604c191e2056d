package application

import (
	"sync"
	"time"
)

// Observer receives cache hit/miss notifications.
type Observer interface {
	CacheHit(cache string)
	CacheMiss(cache string)
}

type entry[T any] struct {
	val T
	exp time.Time
}

// ttlCache is a bounded map with per-entry expiry. Invalidate bumps an
// epoch so a load that started before the invalidation cannot repopulate.
type ttlCache[T any] struct {
	mu    sync.Mutex
	name  string
	m     map[string]entry[T]
	ttl   time.Duration
	limit int
	epoch uint64
	obs   Observer
	now   func() time.Time
}

func newTTLCache[T any](name string, ttl time.Duration, limit int, obs Observer) *ttlCache[T] {
	return &ttlCache[T]{name: name, m: make(map[string]entry[T]), ttl: ttl, limit: limit, obs: obs, now: time.Now}
}

// get returns the cached value and the epoch to pass to set on a miss.
func (c *ttlCache[T]) get(key string) (T, uint64, bool) {
	var zero T
	c.mu.Lock()
	e, ok := c.m[key]
	epoch := c.epoch
	if ok && !c.now().Before(e.exp) {
		delete(c.m, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		if c.obs != nil {
			c.obs.CacheMiss(c.name)
		}
		return zero, epoch, false
	}
	if c.obs != nil {
		c.obs.CacheHit(c.name)
	}
	return e.val, epoch, true
}

// set stores v unless an invalidation happened since epoch was read.
func (c *ttlCache[T]) set(key string, v T, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}
	if _, exists := c.m[key]; !exists && c.limit > 0 && len(c.m) >= c.limit {
		c.evictLocked()
	}
	c.m[key] = entry[T]{val: v, exp: c.now().Add(c.ttl)}
}

func (c *ttlCache[T]) invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	for _, key := range keys {
		delete(c.m, key)
	}
}

// evictLocked drops expired entries, or the one closest to expiry.
func (c *ttlCache[T]) evictLocked() {
	now := c.now()
	oldestKey := ""
	var oldest time.Time
	for key, e := range c.m {
		if !now.Before(e.exp) {
			delete(c.m, key)
			continue
		}
		if oldestKey == "" || e.exp.Before(oldest) {
			oldestKey, oldest = key, e.exp
		}
	}
	if len(c.m) >= c.limit && oldestKey != "" {
		delete(c.m, oldestKey)
	}
}

func (c *ttlCache[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/fedgate/errors"
)

type hybridEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Hybrid is a bounded LRU cache whose entries also expire after a per-entry TTL.
// An entry leaves the cache when it is the least recently used at capacity or
// when its TTL passes, whichever comes first.
type Hybrid[V any] struct {
	mu              sync.Mutex
	maxSize         int
	ttl             time.Duration
	cleanupInterval time.Duration
	items           map[string]*list.Element
	order           *list.List // front = most recently used
	clock           clock.Clock
	stats           *Statistics
	metrics         *cacheMetrics
	evictFn         EvictCallback[V]

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Cache[string] = (*Hybrid[string])(nil)

// NewHybrid creates a Hybrid cache and starts its expiry sweep, which runs every
// cleanupInterval until ctx is cancelled or Close is called.
func NewHybrid[V any](
	ctx context.Context, maxSize int, ttl, cleanupInterval time.Duration, options ...Option[V],
) (*Hybrid[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewHybrid",
			fmt.Sprintf("max size %d must be positive", maxSize))
	}
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewHybrid",
			fmt.Sprintf("ttl %s must be positive", ttl))
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl
	}

	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewHybrid", "metrics registration")
		}
	}

	c := &Hybrid[V]{
		maxSize:         maxSize,
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		items:           make(map[string]*list.Element),
		order:           list.New(),
		clock:           opts.clock,
		stats:           NewStatistics(opts.clock),
		metrics:         metrics,
		evictFn:         opts.evictCallback,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	go c.cleanup(ctx)

	return c, nil
}

// TTL returns the default time-to-live.
func (c *Hybrid[V]) TTL() time.Duration {
	return c.ttl
}

// Get returns the value for key, refreshing its recency. Expired entries are
// removed on access and reported as a miss.
func (c *Hybrid[V]) Get(key string) (V, bool) {
	var value V
	var evicted *hybridEntry[V]

	c.mu.Lock()
	element, exists := c.items[key]
	if exists {
		entry := element.Value.(*hybridEntry[V])
		if !c.clock.Now().Before(entry.expiresAt) {
			c.unlink(element)
			evicted = entry
			exists = false
		} else {
			c.order.MoveToFront(element)
			value = entry.value
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if evicted != nil {
		c.recordEvicted([]*hybridEntry[V]{evicted}, size)
	}
	if !exists {
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.recordMiss()
		}
		return value, false
	}

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}
	return value, true
}

// Set stores value with the default TTL.
func (c *Hybrid[V]) Set(key string, value V) (bool, error) {
	return c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value with its own TTL, evicting the least recently used
// entry when the cache is over capacity.
func (c *Hybrid[V]) SetWithTTL(key string, value V, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	expiresAt := c.clock.Now().Add(ttl)

	var evicted []*hybridEntry[V]
	created := false

	c.mu.Lock()
	if element, ok := c.items[key]; ok {
		entry := element.Value.(*hybridEntry[V])
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(element)
	} else {
		created = true
		c.items[key] = c.order.PushFront(&hybridEntry[V]{key: key, value: value, expiresAt: expiresAt})
		for len(c.items) > c.maxSize {
			back := c.order.Back()
			evicted = append(evicted, back.Value.(*hybridEntry[V]))
			c.unlink(back)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	if c.metrics != nil {
		c.metrics.recordSet()
	}
	c.recordEvicted(evicted, size)

	return created, nil
}

// Delete removes key without invoking the eviction callback.
func (c *Hybrid[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	element, exists := c.items[key]
	if exists {
		c.unlink(element)
	}
	size := len(c.items)
	c.mu.Unlock()

	if !exists {
		return false, nil
	}
	c.stats.Delete()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordDelete()
		c.metrics.updateSize(size)
	}
	return true, nil
}

// Clear drops every entry, invoking the eviction callback for each.
func (c *Hybrid[V]) Clear() error {
	c.mu.Lock()
	var dropped []*hybridEntry[V]
	if c.evictFn != nil {
		for element := c.order.Back(); element != nil; element = element.Prev() {
			dropped = append(dropped, element.Value.(*hybridEntry[V]))
		}
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()

	for _, entry := range dropped {
		c.evictFn(entry.key, entry.value)
	}
	c.stats.UpdateSize(0)
	if c.metrics != nil {
		c.metrics.updateSize(0)
	}
	return nil
}

// Size returns the number of entries held, including expired ones not yet swept.
func (c *Hybrid[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns unexpired keys, most recently used first.
func (c *Hybrid[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	keys := make([]string, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		entry := element.Value.(*hybridEntry[V])
		if now.Before(entry.expiresAt) {
			keys = append(keys, entry.key)
		}
	}
	return keys
}

// Stats returns the statistics tracker.
func (c *Hybrid[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *Hybrid[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("cache.Close: timeout waiting for cleanup goroutine")
	}
}

// unlink removes element from the map and list. Caller holds c.mu.
func (c *Hybrid[V]) unlink(element *list.Element) {
	entry := element.Value.(*hybridEntry[V])
	delete(c.items, entry.key)
	c.order.Remove(element)
}

// recordEvicted updates stats and runs callbacks outside the lock.
func (c *Hybrid[V]) recordEvicted(entries []*hybridEntry[V], size int) {
	if len(entries) == 0 {
		c.stats.UpdateSize(int64(size))
		if c.metrics != nil {
			c.metrics.updateSize(size)
		}
		return
	}
	for _, entry := range entries {
		c.stats.Eviction()
		if c.evictFn != nil {
			c.evictFn(entry.key, entry.value)
		}
	}
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordEvictions(len(entries))
		c.metrics.updateSize(size)
	}
}

func (c *Hybrid[V]) cleanup(ctx context.Context) {
	defer close(c.done)

	ticker := c.clock.Ticker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.RemoveExpired()
		}
	}
}

// RemoveExpired sweeps every expired entry and returns how many were removed.
func (c *Hybrid[V]) RemoveExpired() int {
	now := c.clock.Now()
	var expired []*hybridEntry[V]

	c.mu.Lock()
	for element := c.order.Front(); element != nil; {
		next := element.Next()
		entry := element.Value.(*hybridEntry[V])
		if !now.Before(entry.expiresAt) {
			expired = append(expired, entry)
			c.unlink(element)
		}
		element = next
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(expired) > 0 {
		c.recordEvicted(expired, size)
	}
	return len(expired)
}

// Package cache provides the process-local cache tier: a generic, thread-safe
// Hybrid cache that bounds its size with LRU eviction and expires entries by
// per-entry TTL.
//
// Statistics are always collected and available through Stats(). Prometheus
// export is optional:
//
//	c, err := cache.NewHybrid[[]byte](ctx, 1000, time.Hour, time.Minute,
//		cache.WithMetrics[[]byte](registry, "responses"),
//	)
//	c.SetWithTTL(key, body, 30*time.Second)
//
// Expired entries are removed lazily on Get and by a background sweep every
// cleanup interval. Eviction callbacks run outside the cache lock.
package cache

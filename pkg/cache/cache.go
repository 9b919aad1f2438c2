package cache

import (
	"time"

	"github.com/c360/fedgate/errors"
)

// Cache is a string-keyed, thread-safe cache of V values.
type Cache[V any] interface {
	// Get returns the value for key and whether it was present and unexpired.
	Get(key string) (V, bool)

	// Set stores value under key with the cache's default TTL.
	// Returns true if a new entry was created, false if an existing one was replaced.
	Set(key string, value V) (bool, error)

	// SetWithTTL stores value under key with its own TTL. A ttl <= 0 uses the default.
	SetWithTTL(key string, value V, ttl time.Duration) (bool, error)

	// Delete removes key. Returns true if it existed.
	Delete(key string) (bool, error)

	// Clear drops every entry.
	Clear() error

	// Size returns the number of entries, including expired ones not yet swept.
	Size() int

	// Keys returns unexpired keys, most recently used first.
	Keys() []string

	// Stats returns the always-on statistics tracker.
	Stats() *Statistics

	// Close stops background cleanup.
	Close() error
}

// EvictCallback is called when an entry leaves the cache through eviction, expiry or Clear.
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/fedgate/natsclient"
)

// DefaultBucket is the JetStream KV bucket holding window counters.
const DefaultBucket = "fedgate_ratelimit"

// CounterStore increments a counter that the store forgets after window.
type CounterStore interface {
	// Increment adds one to key and returns the new count. The first increment
	// of a key starts its lifetime.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// KVCounterStore keeps counters in a JetStream KV bucket. Increments are
// compare-and-set loops, so replicas sharing the bucket never lose a count.
type KVCounterStore struct {
	kv *natsclient.KVStore
}

var _ CounterStore = (*KVCounterStore)(nil)

// NewKVCounterStore wraps kv. The bucket's MaxAge provides expiry.
func NewKVCounterStore(kv *natsclient.KVStore) *KVCounterStore {
	return &KVCounterStore{kv: kv}
}

// OpenKVCounterStore creates or opens the counter bucket. Entries live for two
// windows so a counter outlasts the window it counts.
func OpenKVCounterStore(ctx context.Context, client *natsclient.Client, bucket string, window time.Duration) (*KVCounterStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	b, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "fedgate rate limit windows",
		History:     1,
		TTL:         2 * window,
	})
	if err != nil {
		return nil, err
	}
	return NewKVCounterStore(client.NewKVStore(b)), nil
}

func (s *KVCounterStore) Increment(ctx context.Context, key string, _ time.Duration) (int64, error) {
	var count int64
	err := s.kv.UpdateWithRetry(ctx, key, func(current []byte) ([]byte, error) {
		count = 0
		if len(current) > 0 {
			n, err := strconv.ParseInt(string(current), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("corrupt counter %s: %w", key, err)
			}
			count = n
		}
		count++
		return strconv.AppendInt(nil, count, 10), nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

type counter struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounterStore is a process-local CounterStore with lazy expiry.
type MemoryCounterStore struct {
	mu        sync.Mutex
	clock     clock.Clock
	counters  map[string]*counter
	nextSweep time.Time
	failure   error
}

var _ CounterStore = (*MemoryCounterStore)(nil)

// NewMemoryCounterStore creates an empty store. A nil clock uses the wall clock.
func NewMemoryCounterStore(clk clock.Clock) *MemoryCounterStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryCounterStore{clock: clk, counters: make(map[string]*counter)}
}

// SetFailure makes Increment return err until cleared with nil.
func (s *MemoryCounterStore) SetFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

// Len returns the number of live counters.
func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

func (s *MemoryCounterStore) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return 0, s.failure
	}

	now := s.clock.Now()
	if !now.Before(s.nextSweep) {
		for k, c := range s.counters {
			if !now.Before(c.expiresAt) {
				delete(s.counters, k)
			}
		}
		s.nextSweep = now.Add(window)
	}

	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &counter{expiresAt: now.Add(window)}
		s.counters[key] = c
	}
	c.count++
	return c.count, nil
}

package tiercache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/fedgate/natsclient"
)

// DefaultBucket is the JetStream KV bucket of the shared tier.
const DefaultBucket = "fedgate_cache"

const keyPrefix = "resp."

// Entry is a cached value and when it stops being valid.
type Entry struct {
	Value     []byte
	ExpiresAt time.Time
}

// SharedStore is the cross-replica cache tier.
type SharedStore interface {
	// Get returns the entry for key; ok is false on a miss or an expired entry.
	Get(ctx context.Context, key string) (entry Entry, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// envelope is the stored form of a shared entry. JetStream KV expires whole
// buckets by MaxAge, so per-entry TTL is enforced on read.
type envelope struct {
	Value     []byte    `json:"value"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// KVStore is a SharedStore over a JetStream KV bucket.
type KVStore struct {
	kv    *natsclient.KVStore
	clock clock.Clock
}

var _ SharedStore = (*KVStore)(nil)

// NewKVStore wraps kv. A nil clock uses the wall clock.
func NewKVStore(kv *natsclient.KVStore, clk clock.Clock) *KVStore {
	if clk == nil {
		clk = clock.New()
	}
	return &KVStore{kv: kv, clock: clk}
}

// OpenKVStore creates or opens the cache bucket with maxAge as the ceiling on
// any entry's lifetime.
func OpenKVStore(ctx context.Context, client *natsclient.Client, bucket string, maxAge time.Duration) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	b, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "fedgate shared response cache",
		History:     1,
		TTL:         maxAge,
	})
	if err != nil {
		return nil, err
	}
	return NewKVStore(client.NewKVStore(b), nil), nil
}

func (s *KVStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	kvEntry, err := s.kv.Get(ctx, keyPrefix+key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}

	var env envelope
	if err := json.Unmarshal(kvEntry.Value, &env); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache envelope %s: %w", key, err)
	}
	if !s.clock.Now().Before(env.ExpiresAt) {
		return Entry{}, false, nil
	}
	return Entry{Value: env.Value, ExpiresAt: env.ExpiresAt}, true, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.clock.Now()
	data, err := json.Marshal(envelope{Value: value, StoredAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return err
	}
	_, err = s.kv.Put(ctx, keyPrefix+key, data)
	return err
}

// MemoryStore is an in-process SharedStore for standalone mode and tests.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]Entry
	failure error
}

var _ SharedStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. A nil clock uses the wall clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{clock: clk, entries: make(map[string]Entry)}
}

// SetFailure makes every operation return err until cleared with nil.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return Entry{}, false, s.failure
	}
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if !s.clock.Now().Before(e.ExpiresAt) {
		delete(s.entries, key)
		return Entry{}, false, nil
	}
	return Entry{Value: append([]byte(nil), e.Value...), ExpiresAt: e.ExpiresAt}, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	s.entries[key] = Entry{Value: append([]byte(nil), value...), ExpiresAt: s.clock.Now().Add(ttl)}
	return nil
}

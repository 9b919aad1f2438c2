package registry

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/fedgate/natsclient"
)

// DefaultBucket is the JetStream KV bucket holding service descriptors.
const DefaultBucket = "fedgate_services"

// KVStore adapts a natsclient.KVStore to the registry Store.
type KVStore struct {
	kv *natsclient.KVStore
}

var _ Store = (*KVStore)(nil)

// NewKVStore wraps kv.
func NewKVStore(kv *natsclient.KVStore) *KVStore {
	return &KVStore{kv: kv}
}

// OpenKVStore creates or opens the descriptor bucket on client.
func OpenKVStore(ctx context.Context, client *natsclient.Client, bucket string) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	b, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "fedgate service registry",
		History:     5,
	})
	if err != nil {
		return nil, err
	}
	return NewKVStore(client.NewKVStore(b)), nil
}

func (s *KVStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.kv.Put(ctx, key, value)
	return err
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if _, err := s.kv.Get(ctx, key); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return ErrNotFound
		}
		return err
	}
	err := s.kv.Delete(ctx, key)
	if natsclient.IsKVNotFoundError(err) {
		return ErrNotFound
	}
	return err
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry.Value, nil
}

func (s *KVStore) GetAllByPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	return s.kv.GetAllByPrefix(ctx, prefix)
}

// WatchPrefix subscribes to "<prefix>>" with UpdatesOnly.
func (s *KVStore) WatchPrefix(ctx context.Context, prefix string) (Watcher, error) {
	pattern := prefix + ">"
	if !strings.HasSuffix(prefix, ".") {
		pattern = prefix + ".>"
	}
	kw, err := s.kv.Watch(ctx, pattern, jetstream.UpdatesOnly())
	if err != nil {
		return nil, err
	}

	w := &kvWatcher{
		watcher: kw,
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
	}
	go w.forward(ctx)
	return w, nil
}

type kvWatcher struct {
	watcher jetstream.KeyWatcher
	events  chan Event
	done    chan struct{}
	once    sync.Once
	stopErr error
}

func (w *kvWatcher) Events() <-chan Event { return w.events }

func (w *kvWatcher) Stop() error {
	w.once.Do(func() {
		close(w.done)
		w.stopErr = w.watcher.Stop()
		if errors.Is(w.stopErr, nats.ErrConnectionClosed) {
			w.stopErr = nil
		}
	})
	return w.stopErr
}

func (w *kvWatcher) forward(ctx context.Context) {
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case entry, ok := <-w.watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			ev := Event{Key: entry.Key(), Op: EventPut}
			if op := entry.Operation(); op == jetstream.KeyValueDelete || op == jetstream.KeyValuePurge {
				ev.Op = EventDelete
			}
			select {
			case w.events <- ev:
			case <-ctx.Done():
				return
			case <-w.done:
				return
			}
		}
	}
}

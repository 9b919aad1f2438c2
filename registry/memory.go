package registry

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store for standalone mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers map[*memoryWatcher]struct{}
	failure  error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string][]byte),
		watchers: make(map[*memoryWatcher]struct{}),
	}
}

// SetFailure makes every subsequent operation return err until cleared with nil.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

// DropWatchers ends every active subscription, as a lost connection would.
func (s *MemoryStore) DropWatchers() {
	s.mu.Lock()
	watchers := s.watchers
	s.watchers = make(map[*memoryWatcher]struct{})
	s.mu.Unlock()

	for w := range watchers {
		w.close()
	}
}

// WatcherCount returns the number of live subscriptions.
func (s *MemoryStore) WatcherCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers)
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	if s.failure != nil {
		s.mu.Unlock()
		return s.failure
	}
	s.data[key] = append([]byte(nil), value...)
	s.notifyLocked(Event{Key: key, Op: EventPut})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	if _, ok := s.data[key]; !ok {
		return ErrNotFound
	}
	delete(s.data, key)
	s.notifyLocked(Event{Key: key, Op: EventDelete})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) GetAllByPrefix(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	out := make(map[string][]byte)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (s *MemoryStore) WatchPrefix(ctx context.Context, prefix string) (Watcher, error) {
	s.mu.Lock()
	if s.failure != nil {
		s.mu.Unlock()
		return nil, s.failure
	}
	w := &memoryWatcher{
		store:  s,
		prefix: prefix,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = w.Stop()
		case <-w.done:
		}
	}()
	return w, nil
}

// notifyLocked fans an event out to matching watchers. Caller holds s.mu.
// A full buffer drops the event; the registry re-reads the whole prefix on
// any event so nothing is lost but redundant notifications.
func (s *MemoryStore) notifyLocked(ev Event) {
	for w := range s.watchers {
		if !strings.HasPrefix(ev.Key, w.prefix) {
			continue
		}
		select {
		case w.events <- ev:
		default:
		}
	}
}

type memoryWatcher struct {
	store  *MemoryStore
	prefix string
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (w *memoryWatcher) Events() <-chan Event { return w.events }

func (w *memoryWatcher) Stop() error {
	w.store.mu.Lock()
	delete(w.store.watchers, w)
	w.store.mu.Unlock()
	w.close()
	return nil
}

// close is only called once w is no longer in store.watchers.
func (w *memoryWatcher) close() {
	w.once.Do(func() {
		close(w.done)
		close(w.events)
	})
}

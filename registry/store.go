package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store.Get and Store.Delete for a missing key.
var ErrNotFound = errors.New("registry: key not found")

// EventOp is the kind of change a store reports.
type EventOp int

const (
	// EventPut is a create or update.
	EventPut EventOp = iota
	// EventDelete is a delete or purge.
	EventDelete
)

func (op EventOp) String() string {
	if op == EventDelete {
		return "delete"
	}
	return "put"
}

// Event reports one changed key.
type Event struct {
	Key string
	Op  EventOp
}

// Watcher delivers change events until stopped. Events is closed when the
// subscription ends for any reason.
type Watcher interface {
	Events() <-chan Event
	Stop() error
}

// Store is the coordination store the registry reads descriptors from.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Get(ctx context.Context, key string) ([]byte, error)
	GetAllByPrefix(ctx context.Context, prefix string) (map[string][]byte, error)
	// WatchPrefix reports changes made after the call to keys under prefix.
	WatchPrefix(ctx context.Context, prefix string) (Watcher, error)
}

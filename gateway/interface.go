package gateway

import (
	"context"
	"time"

	"github.com/c360/fedgate/health"
	"github.com/c360/fedgate/ratelimit"
	"github.com/c360/fedgate/registry"
)

// Registry is the topology source the gateway follows.
type Registry interface {
	ListAll() *registry.Snapshot
	Watch(ctx context.Context) (<-chan *registry.Snapshot, func())
}

// Cache is the response cache consulted for query operations.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Limiter admits or rejects a request for an identifier.
type Limiter interface {
	Take(ctx context.Context, identifier string) (ratelimit.Decision, error)
}

// Prober checks a single instance address.
type Prober interface {
	Probe(ctx context.Context, address string) health.ProbeResult
}

// Composer turns a topology snapshot into the routing plan requests run
// against. Implementations must not retain snap.
type Composer interface {
	Compose(ctx context.Context, snap *registry.Snapshot) (*Plan, error)
}

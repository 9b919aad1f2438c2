package balancer

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/c360/fedgate/errors"
	"github.com/c360/fedgate/registry"
)

// Address is one backend instance and its last known health.
type Address struct {
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
}

// cursor is the round-robin position of one service. It is carried across
// topology swaps while the service stays registered.
type cursor struct {
	mu sync.Mutex
	n  int
}

type pool struct {
	fallback string   // declared URL, used when addrs is empty
	addrs    []string // instance list in declaration order
	cursor   *cursor
}

// topology is published as a whole. Health flags are shared by pointer with
// the previous topology for addresses that survive a swap, so MarkHealth
// never has to copy it.
type topology struct {
	version uint64
	pools   map[string]*pool
	health  map[string]*atomic.Bool
}

// Balancer picks a healthy instance per service in round-robin order.
type Balancer struct {
	current atomic.Pointer[topology]
	updMu   sync.Mutex // serializes Update

	logger *slog.Logger
}

// New creates an empty Balancer.
func New(logger *slog.Logger) *Balancer {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Balancer{logger: logger.With("component", "balancer")}
	b.current.Store(&topology{
		pools:  map[string]*pool{},
		health: map[string]*atomic.Bool{},
	})
	return b
}

// Update replaces the topology with snap. Health flags are kept for addresses
// still present; new addresses start healthy; cursors are kept for services
// that survive the swap. Readers see either the old or the new topology.
func (b *Balancer) Update(snap *registry.Snapshot) {
	b.updMu.Lock()
	defer b.updMu.Unlock()

	old := b.current.Load()
	next := &topology{
		version: snap.Version(),
		pools:   make(map[string]*pool, snap.Len()),
		health:  make(map[string]*atomic.Bool),
	}
	for _, d := range snap.Services() {
		p := &pool{fallback: d.URL, addrs: d.Instances}
		if prev, ok := old.pools[d.Name]; ok {
			p.cursor = prev.cursor
		} else {
			p.cursor = &cursor{}
		}
		next.pools[d.Name] = p

		for _, a := range d.Addresses() {
			if _, seen := next.health[a]; seen {
				continue
			}
			if flag, ok := old.health[a]; ok {
				next.health[a] = flag
				continue
			}
			flag := &atomic.Bool{}
			flag.Store(true)
			next.health[a] = flag
		}
	}
	b.current.Store(next)

	b.logger.Debug("Topology updated", "version", snap.Version(), "services", len(next.pools))
}

// Next returns the address to use for service. A service without instances
// resolves to its declared URL.
func (b *Balancer) Next(service string) (string, error) {
	t := b.current.Load()
	p, ok := t.pools[service]
	if !ok {
		return "", errors.NewGatewayError(errors.KindServiceUnresolved, service, nil)
	}

	if len(p.addrs) == 0 {
		if p.fallback == "" {
			return "", errors.NewGatewayError(errors.KindNoHealthyInstances, service, nil)
		}
		return p.fallback, nil
	}

	healthy := t.healthySubset(p.addrs)
	if len(healthy) == 0 {
		return "", errors.NewGatewayError(errors.KindNoHealthyInstances, service, nil)
	}

	p.cursor.mu.Lock()
	// The healthy subset may have shrunk since the last call.
	idx := p.cursor.n % len(healthy)
	p.cursor.n = (idx + 1) % len(healthy)
	p.cursor.mu.Unlock()

	return healthy[idx], nil
}

// MarkHealth records the health of an address. Unknown addresses are ignored.
func (b *Balancer) MarkHealth(address string, healthy bool) {
	flag, ok := b.current.Load().health[address]
	if !ok {
		return
	}
	if prev := flag.Swap(healthy); prev != healthy {
		b.logger.Info("Instance health changed", "address", address, "healthy", healthy)
	}
}

// Instances returns every instance of service with its health, in
// declaration order. A service without instances reports its declared URL.
func (b *Balancer) Instances(service string) []Address {
	t := b.current.Load()
	p, ok := t.pools[service]
	if !ok {
		return nil
	}

	addrs := p.addrs
	if len(addrs) == 0 && p.fallback != "" {
		addrs = []string{p.fallback}
	}

	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, Address{URL: a, Healthy: t.healthy(a)})
	}
	return out
}

// Health returns how many of service's instances are healthy.
func (b *Balancer) Health(service string) (healthy, total int) {
	for _, a := range b.Instances(service) {
		total++
		if a.Healthy {
			healthy++
		}
	}
	return healthy, total
}

// Services returns known service names, sorted.
func (b *Balancer) Services() []string {
	t := b.current.Load()
	names := make([]string, 0, len(t.pools))
	for name := range t.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Addresses returns every distinct address across all services, sorted.
func (b *Balancer) Addresses() []string {
	t := b.current.Load()
	out := make([]string, 0, len(t.health))
	for a := range t.health {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (t *topology) healthy(addr string) bool {
	flag, ok := t.health[addr]
	return ok && flag.Load()
}

func (t *topology) healthySubset(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if t.healthy(a) {
			out = append(out, a)
		}
	}
	return out
}

package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/c360/fedgate/registry"
)

// Route is the plan entry for one service.
type Route struct {
	Service   string   `json:"service"`
	URL       string   `json:"url,omitempty"`
	Instances []string `json:"instances,omitempty"`
}

// Addresses returns the instances, or the declared URL when there are none.
func (r Route) Addresses() []string {
	if len(r.Instances) > 0 {
		return r.Instances
	}
	if strings.TrimSpace(r.URL) != "" {
		return []string{r.URL}
	}
	return nil
}

// Plan is the composed view of the topology that requests are routed by.
// A Plan is immutable once published.
type Plan struct {
	Version  uint64           `json:"version"`
	BuiltAt  time.Time        `json:"built_at"`
	Services []string         `json:"services"`
	Routes   map[string]Route `json:"routes"`
}

// Route returns the entry for service.
func (p *Plan) Route(service string) (Route, bool) {
	if p == nil {
		return Route{}, false
	}
	r, ok := p.Routes[service]
	return r, ok
}

// Has reports whether service is part of the plan.
func (p *Plan) Has(service string) bool {
	_, ok := p.Route(service)
	return ok
}

// StaticComposer builds a plan straight from the registry snapshot, with one
// route per registered service and no schema stitching.
type StaticComposer struct{}

var _ Composer = StaticComposer{}

func (StaticComposer) Compose(_ context.Context, snap *registry.Snapshot) (*Plan, error) {
	p := &Plan{
		Version:  snap.Version(),
		BuiltAt:  snap.BuiltAt(),
		Services: snap.Names(),
		Routes:   make(map[string]Route, snap.Len()),
	}
	for _, d := range snap.Services() {
		p.Routes[d.Name] = Route{Service: d.Name, URL: d.URL, Instances: d.Instances}
	}
	return p, nil
}

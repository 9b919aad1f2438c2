package registry

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/c360/fedgate/errors"
)

// ServiceDescriptor names a backend service and the addresses that implement it.
type ServiceDescriptor struct {
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	Instances []string `json:"instances,omitempty"`
	Weight    int      `json:"weight,omitempty"`
}

// Validate checks the descriptor is usable for routing.
func (d ServiceDescriptor) Validate() error {
	if d.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "registry", "Validate", "service name is required")
	}
	if strings.ContainsAny(d.Name, ".*> \t") {
		return errors.WrapInvalid(errors.ErrInvalidData, "registry", "Validate",
			fmt.Sprintf("service name %q contains reserved characters", d.Name))
	}
	if d.URL == "" && len(d.Instances) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "registry", "Validate",
			fmt.Sprintf("service %s needs a url or at least one instance", d.Name))
	}
	for _, raw := range append([]string{d.URL}, d.Instances...) {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.WrapInvalid(errors.ErrInvalidData, "registry", "Validate",
				fmt.Sprintf("service %s has malformed address %q", d.Name, raw))
		}
	}
	if d.Weight < 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "registry", "Validate",
			fmt.Sprintf("service %s weight cannot be negative", d.Name))
	}
	return nil
}

// Addresses returns the instance list, or the declared URL when there is none.
func (d ServiceDescriptor) Addresses() []string {
	if len(d.Instances) > 0 {
		out := make([]string, len(d.Instances))
		copy(out, d.Instances)
		return out
	}
	if d.URL != "" {
		return []string{d.URL}
	}
	return nil
}

func (d ServiceDescriptor) clone() ServiceDescriptor {
	if d.Instances != nil {
		d.Instances = append([]string(nil), d.Instances...)
	}
	return d
}

// Snapshot is an immutable view of every registered service at one point in time.
type Snapshot struct {
	version  uint64
	builtAt  time.Time
	services map[string]ServiceDescriptor
}

// NewSnapshot builds a snapshot from descriptors. Later duplicates win.
func NewSnapshot(version uint64, builtAt time.Time, descriptors ...ServiceDescriptor) *Snapshot {
	services := make(map[string]ServiceDescriptor, len(descriptors))
	for _, d := range descriptors {
		services[d.Name] = d.clone()
	}
	return &Snapshot{version: version, builtAt: builtAt, services: services}
}

// Version increases by one with every snapshot a registry publishes.
func (s *Snapshot) Version() uint64 { return s.version }

// BuiltAt is when the snapshot was read from the store.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Len returns the number of services.
func (s *Snapshot) Len() int { return len(s.services) }

// Get returns a copy of the named descriptor.
func (s *Snapshot) Get(name string) (ServiceDescriptor, bool) {
	d, ok := s.services[name]
	if !ok {
		return ServiceDescriptor{}, false
	}
	return d.clone(), true
}

// Names returns service names in sorted order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Services returns copies of all descriptors sorted by name.
func (s *Snapshot) Services() []ServiceDescriptor {
	out := make([]ServiceDescriptor, 0, len(s.services))
	for _, name := range s.Names() {
		out = append(out, s.services[name].clone())
	}
	return out
}

type snapshotJSON struct {
	Version  uint64              `json:"version"`
	BuiltAt  time.Time           `json:"built_at"`
	Services []ServiceDescriptor `json:"services"`
}

// MarshalJSON renders the snapshot with services sorted by name.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		Version:  s.version,
		BuiltAt:  s.builtAt,
		Services: s.Services(),
	})
}

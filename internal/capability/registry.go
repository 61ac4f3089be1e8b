package capability

import (
	"fmt"
	"sort"
	"time"

	"github.com/steveyegge/agentflow/internal/types"
)

// Registry maps capability types to implementations and metadata.
// It is built once at startup and never mutated afterwards, so it is safe for
// concurrent readers without locking.
type Registry struct {
	caps  map[types.CapabilityType]Capability
	order []types.CapabilityType
}

// NewRegistry builds a registry from the given capabilities.
// Duplicate types and dependencies on unregistered types are rejected.
func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{
		caps: make(map[types.CapabilityType]Capability, len(caps)),
	}

	for _, c := range caps {
		typ := c.Descriptor().Type
		if typ == "" {
			return nil, fmt.Errorf("capability with empty type")
		}
		if _, exists := r.caps[typ]; exists {
			return nil, fmt.Errorf("capability %q already registered", typ)
		}
		r.caps[typ] = c
		r.order = append(r.order, typ)
	}

	// Validate every declared dependency is registered
	for _, typ := range r.order {
		for _, dep := range r.caps[typ].Descriptor().Dependencies {
			if _, exists := r.caps[dep]; !exists {
				return nil, fmt.Errorf("capability %q depends on unregistered capability %q", typ, dep)
			}
		}
	}

	return r, nil
}

// Resolve returns the capability registered under typ.
func (r *Registry) Resolve(typ types.CapabilityType) (Capability, error) {
	c, ok := r.caps[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownCapability, typ)
	}
	return c, nil
}

// DependenciesOf returns the declared dependencies of typ.
func (r *Registry) DependenciesOf(typ types.CapabilityType) ([]types.CapabilityType, error) {
	c, err := r.Resolve(typ)
	if err != nil {
		return nil, err
	}
	deps := c.Descriptor().Dependencies
	out := make([]types.CapabilityType, len(deps))
	copy(out, deps)
	return out, nil
}

// Types returns all registered types in registration order.
func (r *Registry) Types() []types.CapabilityType {
	out := make([]types.CapabilityType, len(r.order))
	copy(out, r.order)
	return out
}

// Descriptors returns the metadata of every registered capability, sorted by type.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// ResolveSettings validates a requested capability set and decodes each
// entry's options into the capability's closed options struct.
// The result preserves the declared order of specs.
func (r *Registry) ResolveSettings(specs []types.CapabilitySpec, defaultTimeout time.Duration) ([]Settings, error) {
	if len(specs) == 0 {
		return nil, types.ErrNoCapabilities
	}

	seen := make(map[types.CapabilityType]bool, len(specs))
	settings := make([]Settings, 0, len(specs))

	for _, spec := range specs {
		if seen[spec.Type] {
			return nil, fmt.Errorf("%w: capability %q enabled twice", types.ErrInvalidConfig, spec.Type)
		}
		seen[spec.Type] = true

		c, err := r.Resolve(spec.Type)
		if err != nil {
			return nil, err
		}
		if spec.TimeoutSeconds < 0 {
			return nil, fmt.Errorf("%w: %s: negative timeout", types.ErrInvalidConfig, spec.Type)
		}

		opts, err := DecodeOptions(c, spec.Options)
		if err != nil {
			return nil, err
		}

		settings = append(settings, Settings{
			Type:     spec.Type,
			Required: spec.IsRequired(),
			Timeout:  spec.Timeout(defaultTimeout),
			Options:  opts,
		})
	}

	return settings, nil
}

// Snapshot renders resolved settings back into specs with every default made
// explicit. The session stores this so later reads see exactly what ran.
func Snapshot(settings []Settings) ([]types.CapabilitySpec, error) {
	specs := make([]types.CapabilitySpec, 0, len(settings))
	for _, s := range settings {
		opts, err := EncodeOptions(s.Options)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Type, err)
		}
		required := s.Required
		specs = append(specs, types.CapabilitySpec{
			Type:           s.Type,
			Required:       &required,
			TimeoutSeconds: timeoutSeconds(s.Timeout),
			Options:        opts,
		})
	}
	return specs, nil
}

// timeoutSeconds rounds up so a sub-second timeout never reads back as zero,
// which would mean "use the default".
func timeoutSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

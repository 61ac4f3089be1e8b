// Package dispatch turns an enabled capability set into a supervised run:
// it orders capabilities by their declared dependencies, launches them under
// a concurrency limit, bounds each invocation in time and isolates failures.
package dispatch

import (
	"fmt"
	"strings"

	"github.com/steveyegge/agentflow/internal/capability"
	"github.com/steveyegge/agentflow/internal/types"
)

// Plan is the dependency graph of one session, restricted to the enabled
// capabilities. Dependencies on registered but disabled capabilities are
// dropped.
type Plan struct {
	declared   []types.CapabilityType
	position   map[types.CapabilityType]int
	order      []types.CapabilityType
	deps       map[types.CapabilityType][]types.CapabilityType
	dependents map[types.CapabilityType][]types.CapabilityType
}

// BuildPlan computes a valid execution order for enabled.
//
// Ordering uses repeated zero-in-degree extraction. When several capabilities
// are ready at once, the one declared first wins, so the order is stable for a
// given input. A non-empty remainder after exhaustion is a cycle.
func BuildPlan(reg *capability.Registry, enabled []types.CapabilityType) (*Plan, error) {
	if len(enabled) == 0 {
		return nil, types.ErrNoCapabilities
	}

	p := &Plan{
		declared:   append([]types.CapabilityType(nil), enabled...),
		position:   make(map[types.CapabilityType]int, len(enabled)),
		deps:       make(map[types.CapabilityType][]types.CapabilityType, len(enabled)),
		dependents: make(map[types.CapabilityType][]types.CapabilityType, len(enabled)),
	}

	for i, typ := range enabled {
		if _, dup := p.position[typ]; dup {
			return nil, fmt.Errorf("%w: capability %q enabled twice", types.ErrInvalidConfig, typ)
		}
		p.position[typ] = i
	}

	// Build edges (dependencies), keeping only those inside the enabled set
	inDegree := make(map[types.CapabilityType]int, len(enabled))
	for _, typ := range enabled {
		deps, err := reg.DependenciesOf(typ)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if _, ok := p.position[dep]; !ok {
				continue
			}
			p.deps[typ] = append(p.deps[typ], dep)
			p.dependents[dep] = append(p.dependents[dep], typ)
			inDegree[typ]++
		}
	}

	done := make(map[types.CapabilityType]bool, len(enabled))
	for len(p.order) < len(enabled) {
		next, ok := p.firstReady(inDegree, done)
		if !ok {
			break
		}
		done[next] = true
		p.order = append(p.order, next)
		for _, dependent := range p.dependents[next] {
			inDegree[dependent]--
		}
	}

	if len(p.order) != len(enabled) {
		var remaining []string
		for _, typ := range enabled {
			if !done[typ] {
				remaining = append(remaining, string(typ))
			}
		}
		return nil, fmt.Errorf("%w among: %s", types.ErrCyclicDependency, strings.Join(remaining, ", "))
	}

	return p, nil
}

// firstReady returns the earliest-declared capability with no unresolved
// dependency.
func (p *Plan) firstReady(inDegree map[types.CapabilityType]int, done map[types.CapabilityType]bool) (types.CapabilityType, bool) {
	for _, typ := range p.declared {
		if !done[typ] && inDegree[typ] == 0 {
			return typ, true
		}
	}
	return "", false
}

// Order returns the execution order: every capability appears after all of
// its enabled dependencies.
func (p *Plan) Order() []types.CapabilityType {
	return append([]types.CapabilityType(nil), p.order...)
}

// Declared returns the capabilities in the order they were enabled.
func (p *Plan) Declared() []types.CapabilityType {
	return append([]types.CapabilityType(nil), p.declared...)
}

// DependenciesOf returns the enabled dependencies of typ.
func (p *Plan) DependenciesOf(typ types.CapabilityType) []types.CapabilityType {
	return append([]types.CapabilityType(nil), p.deps[typ]...)
}

// DependentsOf returns the enabled capabilities that directly depend on typ.
func (p *Plan) DependentsOf(typ types.CapabilityType) []types.CapabilityType {
	return append([]types.CapabilityType(nil), p.dependents[typ]...)
}

// Len is the number of enabled capabilities.
func (p *Plan) Len() int {
	return len(p.declared)
}

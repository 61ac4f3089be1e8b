// Package capability defines the contract between the orchestration core and
// the analysis capabilities it supervises, plus the static registry that maps
// a capability type to its implementation and metadata.
//
// A capability is an opaque function of (files, options, prior outputs) to
// findings. The core never looks inside one: it resolves it, orders it by its
// declared dependencies, bounds it in time, and records what it returns.
package capability

import (
	"context"
	"path"
	"time"

	"github.com/steveyegge/agentflow/internal/types"
)

// Capability is a unit of analysis identified by a type tag.
//
// Implementations must be safe to invoke repeatedly with identical input and
// must not report expected domain conditions as errors: "nothing found" is an
// empty Output, not a failure.
type Capability interface {
	// Descriptor returns the static metadata for this capability.
	Descriptor() Descriptor

	// NewOptions returns a pointer to this capability's options struct,
	// populated with defaults. The registry decodes session configuration
	// into it and validates it once per session.
	NewOptions() Options

	// Run analyzes the input and returns typed findings.
	// ctx carries the per-invocation deadline; implementations should honour it.
	Run(ctx context.Context, in Input) (*Output, error)
}

// Descriptor is the static metadata registered alongside a capability.
type Descriptor struct {
	Type types.CapabilityType `json:"type"`

	// Description is the guiding principle of the capability.
	// Example: "Every public symbol deserves an explanation"
	Description string `json:"description"`

	// Dependencies are capabilities whose output this one consumes.
	// Example: "tester" depends on "documenter" for the symbol inventory.
	Dependencies []types.CapabilityType `json:"dependencies,omitempty"`

	// FilePatterns are base-name globs ("*.go", "go.mod") the capability
	// accepts. Empty means every file.
	FilePatterns []string `json:"file_patterns,omitempty"`
}

// Standalone reports whether the capability can run without another's output.
func (d Descriptor) Standalone() bool {
	return len(d.Dependencies) == 0
}

// Accepts reports whether a file path matches the declared input requirements.
func (d Descriptor) Accepts(filePath string) bool {
	if len(d.FilePatterns) == 0 {
		return true
	}
	base := path.Base(filePath)
	for _, pattern := range d.FilePatterns {
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// Filter returns the subset of files this capability accepts, in input order.
func (d Descriptor) Filter(files []*types.File) []*types.File {
	if len(d.FilePatterns) == 0 {
		return files
	}
	accepted := make([]*types.File, 0, len(files))
	for _, f := range files {
		if d.Accepts(f.Path) {
			accepted = append(accepted, f)
		}
	}
	return accepted
}

// Options is a closed, validated configuration structure for one capability type.
type Options interface {
	Validate() error
}

// Input is what a capability receives for one invocation.
type Input struct {
	SessionID string
	Files     []*types.File
	Options   Options

	// Prior holds the outputs of dependencies that succeeded in this session.
	// A dependency that is registered but not enabled is absent.
	Prior map[types.CapabilityType]*Output
}

// Output is what a capability returns for one invocation.
type Output struct {
	Findings      []*types.Finding
	Summary       string
	FilesAnalyzed int
}

// Settings is the resolved configuration of one enabled capability for one
// session. It is built once at session creation and never re-interpreted.
type Settings struct {
	Type     types.CapabilityType
	Required bool
	Timeout  time.Duration
	Options  Options
}

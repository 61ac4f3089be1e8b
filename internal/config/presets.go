package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/agentflow/internal/types"
)

// Preset names a predefined capability set.
type Preset string

const (
	// PresetQuick runs documentation only
	PresetQuick Preset = "quick"

	// PresetStandard runs documentation, tests and security
	PresetStandard Preset = "standard"

	// PresetThorough runs every built-in capability
	PresetThorough Preset = "thorough"
)

// IsValid checks if the preset value is valid
func (p Preset) IsValid() bool {
	switch p {
	case PresetQuick, PresetStandard, PresetThorough:
		return true
	}
	return false
}

// Capabilities returns the capability specs of the preset in declared order.
func (p Preset) Capabilities() ([]types.CapabilitySpec, error) {
	var typs []types.CapabilityType
	switch p {
	case PresetQuick:
		typs = []types.CapabilityType{types.CapabilityDocumenter}
	case PresetStandard:
		typs = []types.CapabilityType{
			types.CapabilityDocumenter,
			types.CapabilityTester,
			types.CapabilitySecurity,
		}
	case PresetThorough:
		typs = []types.CapabilityType{
			types.CapabilityDocumenter,
			types.CapabilityTester,
			types.CapabilitySecurity,
			types.CapabilityPerformance,
		}
	default:
		return nil, fmt.Errorf("unknown preset %q", p)
	}

	specs := make([]types.CapabilitySpec, 0, len(typs))
	for _, typ := range typs {
		specs = append(specs, types.CapabilitySpec{Type: typ})
	}
	return specs, nil
}

// CapabilitiesFile is the structure of capabilities.yaml
type CapabilitiesFile struct {
	// Preset to start from (defaults to the process preset)
	Preset Preset `yaml:"preset"`

	// Capabilities replaces the preset list when non-empty
	Capabilities []types.CapabilitySpec `yaml:"capabilities"`
}

// LoadCapabilities resolves the capability list for a run: the entries of
// the file at path when it lists any, else the file's preset, else fallback.
// A missing file yields the fallback preset.
func LoadCapabilities(path string, fallback Preset) ([]types.CapabilitySpec, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fallback.Capabilities()
	}
	if err != nil {
		return nil, fmt.Errorf("reading capabilities file: %w", err)
	}

	var file CapabilitiesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing capabilities file %s: %w", path, err)
	}

	if len(file.Capabilities) > 0 {
		for i, spec := range file.Capabilities {
			if spec.Type == "" {
				return nil, fmt.Errorf("capabilities file %s: entry %d has no type", path, i)
			}
		}
		return file.Capabilities, nil
	}
	if file.Preset != "" {
		return file.Preset.Capabilities()
	}
	return fallback.Capabilities()
}

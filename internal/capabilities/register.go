package capabilities

import (
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/agentflow/internal/capability"
)

// All returns the built-in capability suite. describer may be nil when no
// AI client is configured.
func All(describer Describer, logger *logrus.Logger) []capability.Capability {
	return []capability.Capability{
		NewDocumenter(describer, logger),
		NewTester(),
		NewSecurityScanner(),
		NewPerformanceAnalyzer(),
	}
}

// NewRegistry builds a registry holding the built-in capabilities plus any extras.
func NewRegistry(describer Describer, logger *logrus.Logger, extra ...capability.Capability) (*capability.Registry, error) {
	return capability.NewRegistry(append(All(describer, logger), extra...)...)
}

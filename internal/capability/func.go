package capability

import "context"

// RunFunc is the signature of a capability invocation.
type RunFunc func(ctx context.Context, in Input) (*Output, error)

// NoOptions is the options struct of capabilities that take no configuration.
// Any key supplied for such a capability is rejected at session creation.
type NoOptions struct{}

// Validate implements Options.
func (*NoOptions) Validate() error { return nil }

// funcCapability adapts a plain function to the Capability interface.
type funcCapability struct {
	desc Descriptor
	fn   RunFunc
}

// NewFunc wraps fn as a Capability with the given descriptor and no options.
// Useful for lightweight integrations and for tests.
func NewFunc(desc Descriptor, fn RunFunc) Capability {
	return &funcCapability{desc: desc, fn: fn}
}

func (f *funcCapability) Descriptor() Descriptor { return f.desc }

func (f *funcCapability) NewOptions() Options { return &NoOptions{} }

func (f *funcCapability) Run(ctx context.Context, in Input) (*Output, error) {
	return f.fn(ctx, in)
}

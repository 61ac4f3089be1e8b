package capability

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/agentflow/internal/types"
)

// DecodeOptions decodes a loosely-typed options blob into the capability's
// closed options struct. Unknown keys are rejected; missing keys keep the
// capability's defaults.
func DecodeOptions(c Capability, raw map[string]any) (Options, error) {
	opts := c.NewOptions()
	typ := c.Descriptor().Type

	if len(raw) > 0 {
		data, err := yaml.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: encoding options: %v", types.ErrInvalidConfig, typ, err)
		}

		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(opts); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s: %v", types.ErrInvalidConfig, typ, err)
		}
	}

	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrInvalidConfig, typ, err)
	}
	return opts, nil
}

// EncodeOptions renders resolved options back into a plain map so the session
// snapshot records exactly what ran, defaults included.
func EncodeOptions(opts Options) (map[string]any, error) {
	data, err := yaml.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encoding options: %w", err)
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding options: %w", err)
	}
	return out, nil
}

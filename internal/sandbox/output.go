package sandbox

import (
	"github.com/flowforge-io/flowforge/internal/nodes"
	"github.com/flowforge-io/flowforge/internal/workflow"
)

// forbiddenKeys are object keys rejected anywhere in node output. They come
// from script runtimes where such keys carry prototype pollution.
var forbiddenKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// validateOutput checks a node's bundle against the output contract: declared
// channels only (non-branching nodes always get a main channel), no
// pollution-carrying keys anywhere in the item trees.
func validateOutput(nt *nodes.NodeType, out *nodes.Output) (workflow.Bundle, error) {
	if out == nil || out.Bundle == nil {
		return workflow.NewBundle(), nil
	}

	declared := make(map[string]bool, len(nt.Outputs))
	for _, name := range nt.Outputs {
		declared[name] = true
	}
	for channel, items := range out.Bundle {
		if len(nt.Outputs) > 0 && !declared[channel] {
			return nil, nodes.Errorf(nodes.KindValidation,
				"node type %q emitted undeclared output channel %q", nt.Type, channel)
		}
		for _, item := range items {
			if err := checkItemKeys(item); err != nil {
				return nil, err
			}
		}
	}

	// Non-branching nodes always expose a main channel so downstream
	// readiness accounting stays uniform.
	if !nt.Branching {
		if _, ok := out.Bundle[workflow.MainChannel]; !ok {
			out.Bundle[workflow.MainChannel] = []workflow.Item{}
		}
	}
	return out.Bundle, nil
}

func checkItemKeys(value interface{}) error {
	switch v := value.(type) {
	case map[string]interface{}:
		for k, nested := range v {
			if forbiddenKeys[k] {
				return nodes.Errorf(nodes.KindSecurity, "output contains forbidden key %q", k)
			}
			if err := checkItemKeys(nested); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, nested := range v {
			if err := checkItemKeys(nested); err != nil {
				return err
			}
		}
	}
	return nil
}

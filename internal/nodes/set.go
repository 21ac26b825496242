package nodes

import (
	"context"

	"github.com/flowforge-io/flowforge/internal/workflow"
)

// NewSet writes configured fields onto every input item. With keepOnlySet
// enabled the output items contain nothing but the configured fields.
func NewSet() *NodeType {
	return &NodeType{
		Type:        "set",
		DisplayName: "Set",
		Group:       "data",
		Version:     "1.0",
		Properties: []Property{
			{Name: "values", DisplayName: "Values", Type: "object", Required: true},
			{Name: "keepOnlySet", DisplayName: "Keep Only Set", Type: "boolean", Default: false},
		},
		Defaults: map[string]interface{}{"keepOnlySet": false},
		Inputs:   []string{workflow.MainChannel},
		Outputs:  []string{workflow.MainChannel},
		Execute:  executeSet,
	}
}

func executeSet(_ context.Context, in *Input) (*Output, error) {
	values, ok := in.Parameters["values"].(map[string]interface{})
	if !ok {
		return nil, NewError(KindValidation, "values must be an object")
	}
	keepOnly, _ := in.Parameters["keepOnlySet"].(bool)

	items := in.Items()
	if len(items) == 0 {
		items = []workflow.Item{{}}
	}
	out := make([]workflow.Item, 0, len(items))
	for _, item := range items {
		result := make(workflow.Item, len(item)+len(values))
		if !keepOnly {
			for k, v := range item {
				result[k] = v
			}
		}
		for k, v := range values {
			result[k] = v
		}
		out = append(out, result)
	}
	return NewOutput(out...), nil
}

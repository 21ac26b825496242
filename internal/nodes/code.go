package nodes

import (
	"context"

	"github.com/flowforge-io/flowforge/internal/workflow"
)

// ScriptExecutor runs user-supplied code over input items inside resource
// bounds. The execution core ships a conservative built-in; richer runtimes
// plug in through this interface.
type ScriptExecutor interface {
	// Run executes the script and returns the produced items. Implementations
	// must honor ctx cancellation.
	Run(ctx context.Context, script string, items []workflow.Item) ([]workflow.Item, error)
}

// NewCode runs a user script over the input items through the given executor.
func NewCode(executor ScriptExecutor) *NodeType {
	return &NodeType{
		Type:        "code",
		DisplayName: "Code",
		Group:       "data",
		Version:     "1.0",
		Properties: []Property{
			{Name: "script", DisplayName: "Script", Type: "string", Required: true},
		},
		Inputs:  []string{workflow.MainChannel},
		Outputs: []string{workflow.MainChannel},
		Execute: func(ctx context.Context, in *Input) (*Output, error) {
			script, _ := in.Parameters["script"].(string)
			if script == "" {
				return nil, NewError(KindValidation, "script parameter is required")
			}
			if executor == nil {
				return nil, NewError(KindValidation, "no script executor is configured")
			}
			items, err := executor.Run(ctx, script, in.Items())
			if err != nil {
				return nil, AsError(err)
			}
			return NewOutput(items...), nil
		},
	}
}

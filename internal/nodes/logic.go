package nodes

import (
	"context"
	"time"

	"github.com/flowforge-io/flowforge/internal/workflow"
)

// NewIf routes each input item to the true or false output based on a set of
// conditions. Only populated output channels activate downstream nodes.
func NewIf() *NodeType {
	return &NodeType{
		Type:        "if",
		DisplayName: "If",
		Group:       "logic",
		Version:     "1.0",
		Properties: []Property{
			{Name: "conditions", DisplayName: "Conditions", Type: "collection", Required: true},
			{Name: "combineOperation", DisplayName: "Combine", Type: "options", Default: "all",
				Options: []interface{}{"all", "any"}},
		},
		Defaults:  map[string]interface{}{"combineOperation": "all"},
		Inputs:    []string{workflow.MainChannel},
		Outputs:   []string{"true", "false"},
		Branching: true,
		Execute:   executeIf,
	}
}

func executeIf(_ context.Context, in *Input) (*Output, error) {
	conditions, err := parseConditions(in.Parameters["conditions"])
	if err != nil {
		return nil, err
	}
	combine, _ := in.Parameters["combineOperation"].(string)
	if combine == "" {
		combine = "all"
	}

	bundle := workflow.NewBundle()
	for _, item := range in.Items() {
		matched, err := evaluateConditions(item, conditions, combine)
		if err != nil {
			return nil, err
		}
		if matched {
			bundle.Append("true", item)
		} else {
			bundle.Append("false", item)
		}
	}
	return &Output{Bundle: bundle}, nil
}

// NewSwitch routes each input item to the first matching rule's output, or
// the fallback output when no rule matches.
func NewSwitch() *NodeType {
	return &NodeType{
		Type:        "switch",
		DisplayName: "Switch",
		Group:       "logic",
		Version:     "1.0",
		Properties: []Property{
			{Name: "rules", DisplayName: "Rules", Type: "collection", Required: true,
				Description: "Each rule has field, operation, value and output"},
			{Name: "fallbackOutput", DisplayName: "Fallback Output", Type: "string", Default: "default"},
		},
		Defaults:  map[string]interface{}{"fallbackOutput": "default"},
		Inputs:    []string{workflow.MainChannel},
		Outputs:   []string{"0", "1", "2", "3", "default"},
		Branching: true,
		Execute:   executeSwitch,
	}
}

func executeSwitch(_ context.Context, in *Input) (*Output, error) {
	rawRules, ok := in.Parameters["rules"].([]interface{})
	if !ok || len(rawRules) == 0 {
		return nil, NewError(KindValidation, "switch needs at least one rule")
	}
	fallback, _ := in.Parameters["fallbackOutput"].(string)
	if fallback == "" {
		fallback = "default"
	}

	bundle := workflow.NewBundle()
	for _, item := range in.Items() {
		output := fallback
		for _, raw := range rawRules {
			rule, ok := raw.(map[string]interface{})
			if !ok {
				return nil, NewError(KindValidation, "switch rule must be an object")
			}
			cond, err := conditionFromRule(rule)
			if err != nil {
				return nil, err
			}
			matched, err := evaluateCondition(item, cond)
			if err != nil {
				return nil, err
			}
			if matched {
				if name, _ := rule["output"].(string); name != "" {
					output = name
				}
				break
			}
		}
		bundle.Append(output, item)
	}
	return &Output{Bundle: bundle}, nil
}

// NewMerge joins multiple inputs back into a single stream. The engine has
// already concatenated incoming edge bundles in edge order, so append mode is
// a pass-through; combine mode zips fields item-wise.
func NewMerge() *NodeType {
	return &NodeType{
		Type:        "merge",
		DisplayName: "Merge",
		Group:       "logic",
		Version:     "1.0",
		Properties: []Property{
			{Name: "mode", DisplayName: "Mode", Type: "options", Default: "append",
				Options: []interface{}{"append", "combine"}},
		},
		Defaults: map[string]interface{}{"mode": "append"},
		Inputs:   []string{workflow.MainChannel},
		Outputs:  []string{workflow.MainChannel},
		Execute:  executeMerge,
	}
}

func executeMerge(_ context.Context, in *Input) (*Output, error) {
	mode, _ := in.Parameters["mode"].(string)
	items := in.Items()
	if mode != "combine" || len(items) == 0 {
		return NewOutput(items...), nil
	}
	combined := make(workflow.Item)
	for _, item := range items {
		for k, v := range item {
			combined[k] = v
		}
	}
	return NewOutput(combined), nil
}

// NewNoop passes its input through unchanged. Useful as a join point.
func NewNoop() *NodeType {
	return &NodeType{
		Type:        "noop",
		DisplayName: "No Operation",
		Group:       "logic",
		Version:     "1.0",
		Inputs:      []string{workflow.MainChannel},
		Outputs:     []string{workflow.MainChannel},
		Execute: func(_ context.Context, in *Input) (*Output, error) {
			return NewOutput(in.Items()...), nil
		},
	}
}

// NewDelay waits for a configured duration before passing input through. The
// wait respects cancellation.
func NewDelay() *NodeType {
	return &NodeType{
		Type:        "delay",
		DisplayName: "Delay",
		Group:       "logic",
		Version:     "1.0",
		Properties: []Property{
			{Name: "delayMs", DisplayName: "Delay (ms)", Type: "number", Required: true, Default: 1000},
		},
		Defaults: map[string]interface{}{"delayMs": 1000},
		Inputs:   []string{workflow.MainChannel},
		Outputs:  []string{workflow.MainChannel},
		Execute:  executeDelay,
	}
}

func executeDelay(ctx context.Context, in *Input) (*Output, error) {
	ms, ok := toFloat(in.Parameters["delayMs"])
	if !ok || ms < 0 {
		return nil, NewError(KindValidation, "delayMs must be a non-negative number")
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, WrapError(KindTransient, ctx.Err(), "delay interrupted")
	case <-timer.C:
	}
	return NewOutput(in.Items()...), nil
}

type condition struct {
	Field     string
	Operation string
	Value     interface{}
}

func parseConditions(raw interface{}) ([]condition, error) {
	list, ok := raw.([]interface{})
	if !ok || len(list) == 0 {
		return nil, NewError(KindValidation, "conditions must be a non-empty list")
	}
	out := make([]condition, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, NewError(KindValidation, "condition must be an object")
		}
		cond, err := conditionFromRule(m)
		if err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, nil
}

func conditionFromRule(m map[string]interface{}) (condition, error) {
	field, _ := m["field"].(string)
	operation, _ := m["operation"].(string)
	if field == "" || operation == "" {
		return condition{}, NewError(KindValidation, "condition needs field and operation")
	}
	return condition{Field: field, Operation: operation, Value: m["value"]}, nil
}

func evaluateConditions(item workflow.Item, conditions []condition, combine string) (bool, error) {
	for _, cond := range conditions {
		matched, err := evaluateCondition(item, cond)
		if err != nil {
			return false, err
		}
		if combine == "any" && matched {
			return true, nil
		}
		if combine != "any" && !matched {
			return false, nil
		}
	}
	return combine != "any", nil
}

func evaluateCondition(item workflow.Item, cond condition) (bool, error) {
	left := lookupField(item, cond.Field)
	return compareValues(left, cond.Operation, cond.Value)
}

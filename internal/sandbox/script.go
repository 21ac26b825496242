package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowforge-io/flowforge/internal/nodes"
	"github.com/flowforge-io/flowforge/internal/workflow"
)

// ItemTransformer is the built-in script executor. It interprets a tiny
// assignment dialect over each item, one statement per line:
//
//	field = expression
//	field = json.other.path
//	drop field
//
// Richer runtimes replace it through the nodes.ScriptExecutor interface.
type ItemTransformer struct{}

// NewItemTransformer returns the built-in executor.
func NewItemTransformer() *ItemTransformer {
	return &ItemTransformer{}
}

// Run implements nodes.ScriptExecutor.
func (t *ItemTransformer) Run(ctx context.Context, script string, items []workflow.Item) ([]workflow.Item, error) {
	lines := parseScript(script)
	if len(lines) == 0 {
		return items, nil
	}
	out := make([]workflow.Item, 0, len(items))
	for _, item := range items {
		select {
		case <-ctx.Done():
			return nil, nodes.WrapError(nodes.KindTransient, ctx.Err(), "script interrupted")
		default:
		}
		result := make(workflow.Item, len(item))
		for k, v := range item {
			result[k] = v
		}
		for _, line := range lines {
			if err := line.apply(result); err != nil {
				return nil, err
			}
		}
		out = append(out, result)
	}
	return out, nil
}

type statement struct {
	drop  bool
	field string
	value string
}

func parseScript(script string) []statement {
	var out []statement
	for _, raw := range strings.Split(script, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "drop "); ok {
			out = append(out, statement{drop: true, field: strings.TrimSpace(rest)})
			continue
		}
		if field, value, ok := strings.Cut(line, "="); ok {
			out = append(out, statement{
				field: strings.TrimSpace(field),
				value: strings.TrimSpace(value),
			})
		}
	}
	return out
}

func (s statement) apply(item workflow.Item) error {
	if s.drop {
		delete(item, s.field)
		return nil
	}
	if s.field == "" {
		return nodes.NewError(nodes.KindValidation, "script assignment has no field name")
	}
	value, err := evalExpression(s.value, item)
	if err != nil {
		return err
	}
	item[s.field] = value
	return nil
}

// evalExpression handles literals, json.path references and single binary
// arithmetic between them.
func evalExpression(expr string, item workflow.Item) (interface{}, error) {
	for _, op := range []string{"+", "-", "*", "/"} {
		if left, right, ok := splitOperator(expr, op); ok {
			lv, err := evalOperand(left, item)
			if err != nil {
				return nil, err
			}
			rv, err := evalOperand(right, item)
			if err != nil {
				return nil, err
			}
			return applyArithmetic(lv, op, rv)
		}
	}
	return evalOperand(expr, item)
}

func splitOperator(expr, op string) (string, string, bool) {
	idx := strings.Index(expr, op)
	if idx <= 0 || idx >= len(expr)-1 {
		return "", "", false
	}
	return strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+len(op):]), true
}

func evalOperand(operand string, item workflow.Item) (interface{}, error) {
	if path, ok := strings.CutPrefix(operand, "json."); ok {
		var current interface{} = map[string]interface{}(item)
		for _, segment := range strings.Split(path, ".") {
			m, isMap := current.(map[string]interface{})
			if !isMap {
				return nil, nodes.Errorf(nodes.KindValidation, "path json.%s not found", path)
			}
			var found bool
			current, found = m[segment]
			if !found {
				return nil, nodes.Errorf(nodes.KindValidation, "path json.%s not found", path)
			}
		}
		return current, nil
	}
	if strings.HasPrefix(operand, `"`) && strings.HasSuffix(operand, `"`) && len(operand) >= 2 {
		return operand[1 : len(operand)-1], nil
	}
	var f float64
	if _, err := fmt.Sscanf(operand, "%g", &f); err == nil {
		return f, nil
	}
	switch operand {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	return nil, nodes.Errorf(nodes.KindValidation, "cannot evaluate operand %q", operand)
}

func applyArithmetic(left interface{}, op string, right interface{}) (interface{}, error) {
	l, lok := toNumber(left)
	r, rok := toNumber(right)
	if !lok || !rok {
		if op == "+" {
			return fmt.Sprintf("%v%v", left, right), nil
		}
		return nil, nodes.Errorf(nodes.KindValidation, "operator %q needs numeric operands", op)
	}
	switch op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	default:
		if r == 0 {
			return nil, nodes.NewError(nodes.KindValidation, "division by zero")
		}
		return l / r, nil
	}
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

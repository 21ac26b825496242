package nodes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// compareValues evaluates one condition operation over two values. String
// operations compare lexically, numeric operations coerce both sides to
// float64 when possible.
func compareValues(left interface{}, operation string, right interface{}) (bool, error) {
	switch operation {
	case "equal", "equals":
		return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right), nil
	case "notEqual", "notEquals":
		return fmt.Sprintf("%v", left) != fmt.Sprintf("%v", right), nil
	case "contains":
		return strings.Contains(fmt.Sprintf("%v", left), fmt.Sprintf("%v", right)), nil
	case "notContains":
		return !strings.Contains(fmt.Sprintf("%v", left), fmt.Sprintf("%v", right)), nil
	case "startsWith":
		return strings.HasPrefix(fmt.Sprintf("%v", left), fmt.Sprintf("%v", right)), nil
	case "endsWith":
		return strings.HasSuffix(fmt.Sprintf("%v", left), fmt.Sprintf("%v", right)), nil
	case "isEmpty":
		return isEmptyValue(left), nil
	case "isNotEmpty":
		return !isEmptyValue(left), nil
	case "greaterThan", "greaterThanOrEqual", "lessThan", "lessThanOrEqual":
		l, lok := toFloat(left)
		r, rok := toFloat(right)
		if !lok || !rok {
			return false, Errorf(KindValidation,
				"operation %q needs numeric operands, got %T and %T", operation, left, right)
		}
		switch operation {
		case "greaterThan":
			return l > r, nil
		case "greaterThanOrEqual":
			return l >= r, nil
		case "lessThan":
			return l < r, nil
		default:
			return l <= r, nil
		}
	default:
		return false, Errorf(KindValidation, "unknown condition operation %q", operation)
	}
}

// lookupField resolves a dot path like "user.address.city" inside an item.
// Missing segments resolve to nil.
func lookupField(item map[string]interface{}, path string) interface{} {
	var current interface{} = item
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = m[segment]
	}
	return current
}

func isEmptyValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

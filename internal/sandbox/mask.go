package sandbox

import "strings"

// secretMarkers flag map keys whose values must never appear in logs or
// events.
var secretMarkers = []string{"password", "secret", "key", "token", "private"}

const masked = "***"

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range secretMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// MaskSecrets returns a copy of a value tree with secret-looking values
// replaced. Used when parameters or credentials are echoed into logs.
func MaskSecrets(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, nested := range v {
			if isSecretKey(k) {
				out[k] = masked
				continue
			}
			out[k] = MaskSecrets(nested)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, nested := range v {
			out[i] = MaskSecrets(nested)
		}
		return out
	default:
		return value
	}
}

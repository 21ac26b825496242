// Package expression performs the conservative parameter substitution used by
// the node sandbox: {{ $vars.name }}, {{ $local.name }} and {{ json.path }}
// placeholders. Anything containing operators or pipeline syntax is left
// untouched for node-type logic to interpret.
package expression

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// Pure value references. Anything else inside a placeholder is passed
	// through as a marked string.
	varsPattern  = regexp.MustCompile(`^\$(vars|local)\.([A-Za-z_][\w]*)$`)
	jsonPattern  = regexp.MustCompile(`^json([.\[].*)?$`)
	operatorHint = regexp.MustCompile(`[+*/%<>=!|&]|\{\{`)
)

// Variables is the user variable store: workflow-scoped values shadow
// user-scoped values of the same name.
type Variables struct {
	Workflow map[string]interface{}
	User     map[string]interface{}
}

// Lookup resolves a variable name, workflow scope first.
func (v *Variables) Lookup(name string) (interface{}, bool) {
	if v == nil {
		return nil, false
	}
	if val, ok := v.Workflow[name]; ok {
		return val, true
	}
	if val, ok := v.User[name]; ok {
		return val, true
	}
	return nil, false
}

// Context carries the data a single resolution pass works against.
type Context struct {
	Vars *Variables
	Item map[string]interface{}

	// Warn is called when a variable fails to resolve; the literal text is
	// kept in that case. May be nil.
	Warn func(msg string, keysAndValues ...interface{})
}

func (c *Context) warn(msg string, kv ...interface{}) {
	if c.Warn != nil {
		c.Warn(msg, kv...)
	}
}

// Resolve applies one left-to-right substitution pass over a parameter value.
// Strings that consist of exactly one pure value reference unwrap to the raw
// value, preserving non-string types. Maps and slices are walked recursively.
func Resolve(value interface{}, ctx *Context) interface{} {
	switch v := value.(type) {
	case string:
		return resolveString(v, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = Resolve(item, ctx)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = Resolve(item, ctx)
		}
		return out
	default:
		return value
	}
}

// ResolveParameters resolves every value in a parameter map.
func ResolveParameters(params map[string]interface{}, ctx *Context) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = Resolve(v, ctx)
	}
	return out
}

// placeholder is one {{ ... }} region found in a string. Nested braces are
// kept inside a single placeholder so they can be left as a marked string.
type placeholder struct {
	start, end int // offsets of {{ and past }}
	body       string
}

func findPlaceholders(s string) []placeholder {
	var out []placeholder
	i := 0
	for i < len(s) {
		open := strings.Index(s[i:], "{{")
		if open == -1 {
			break
		}
		open += i
		depth := 0
		j := open
		end := -1
		for j < len(s)-1 {
			switch {
			case s[j] == '{' && s[j+1] == '{':
				depth++
				j += 2
			case s[j] == '}' && s[j+1] == '}':
				depth--
				j += 2
				if depth == 0 {
					end = j
				}
			default:
				j++
			}
			if end != -1 {
				break
			}
		}
		if end == -1 {
			break
		}
		out = append(out, placeholder{
			start: open,
			end:   end,
			body:  strings.TrimSpace(s[open+2 : end-2]),
		})
		i = end
	}
	return out
}

func resolveString(s string, ctx *Context) interface{} {
	matches := findPlaceholders(s)
	if len(matches) == 0 {
		return s
	}

	// A string that is exactly one placeholder unwraps to the raw value.
	if len(matches) == 1 && matches[0].start == 0 && matches[0].end == len(s) {
		if val, ok, pure := evaluate(matches[0].body, ctx); pure {
			if ok {
				return val
			}
			return s
		}
		return s
	}

	// Interpolation: substitute each resolvable placeholder, keep the rest.
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m.start])
		if val, ok, pure := evaluate(m.body, ctx); pure && ok {
			b.WriteString(stringify(val))
		} else {
			b.WriteString(s[m.start:m.end])
		}
		last = m.end
	}
	b.WriteString(s[last:])
	return b.String()
}

// evaluate resolves a placeholder body. The third return reports whether the
// body was a pure value reference at all: operator expressions return false
// and stay as marked strings.
func evaluate(body string, ctx *Context) (val interface{}, ok bool, pure bool) {
	if m := varsPattern.FindStringSubmatch(body); m != nil {
		v, found := ctx.Vars.Lookup(m[2])
		if !found {
			ctx.warn("variable not found, keeping literal", "ref", body)
			return nil, false, true
		}
		return v, true, true
	}

	if jsonPattern.MatchString(body) && !operatorHint.MatchString(body) {
		path := strings.TrimPrefix(body, "json")
		v, found := walkPath(ctx.Item, path)
		if !found {
			ctx.warn("path not found in input item, keeping literal", "ref", body)
			return nil, false, true
		}
		return v, true, true
	}

	return nil, false, false
}

// walkPath follows a dot-and-bracket path like .a.b[0] or ["a"].b against a
// value tree.
func walkPath(root interface{}, path string) (interface{}, bool) {
	current := root
	rest := path
	for rest != "" {
		var segment string
		var index int
		var isIndex bool
		var ok bool
		segment, index, isIndex, rest, ok = nextSegment(rest)
		if !ok {
			return nil, false
		}
		if isIndex {
			list, isList := current.([]interface{})
			if !isList || index < 0 || index >= len(list) {
				return nil, false
			}
			current = list[index]
			continue
		}
		m, isMap := current.(map[string]interface{})
		if !isMap {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func nextSegment(path string) (segment string, index int, isIndex bool, rest string, ok bool) {
	switch {
	case strings.HasPrefix(path, "."):
		path = path[1:]
		end := strings.IndexAny(path, ".[")
		if end == -1 {
			end = len(path)
		}
		if end == 0 {
			return "", 0, false, "", false
		}
		return path[:end], 0, false, path[end:], true

	case strings.HasPrefix(path, "["):
		end := strings.Index(path, "]")
		if end == -1 {
			return "", 0, false, "", false
		}
		inner := path[1:end]
		rest = path[end+1:]
		if len(inner) >= 2 && (inner[0] == '"' || inner[0] == '\'') {
			quote := inner[0]
			if inner[len(inner)-1] != quote {
				return "", 0, false, "", false
			}
			return inner[1 : len(inner)-1], 0, false, rest, true
		}
		n, err := strconv.Atoi(inner)
		if err != nil {
			return "", 0, false, "", false
		}
		return "", n, true, rest, true

	default:
		return "", 0, false, "", false
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

package expr

import (
	"fmt"
	"log"
	"regexp"
)

// templatePattern matches a single `{{...}}` span, non-greedy so adjacent
// templates in the same string are matched separately.
var templatePattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// ProcessDynamicValue recursively walks v (a JSON-shaped value: map, slice,
// string, or scalar) and evaluates every `{{expr}}` template it finds in
// leaf strings.
//
// If an entire leaf string is a single template match, the raw evaluated
// value is returned in place of the string, preserving its type. Otherwise,
// every match is evaluated and its stringified result substituted into the
// surrounding text. Failures inside a non-sole match are logged and the
// fragment is left unreplaced; they never abort the walk.
func ProcessDynamicValue(v any, ctx Context) any {
	switch t := v.(type) {
	case string:
		return processString(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = ProcessDynamicValue(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = ProcessDynamicValue(val, ctx)
		}
		return out
	default:
		return v
	}
}

func processString(s string, ctx Context) any {
	matches := templatePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// Sole match spanning the entire string: return the raw evaluated value.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expression := s[matches[0][2]:matches[0][3]]
		value, err := Evaluate(expression, ctx)
		if err != nil {
			log.Printf("expr: template evaluation failed for %q: %v", expression, err)
			return s
		}
		return value
	}

	// Otherwise, substitute each match's stringified result into place.
	var out []byte
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		expression := s[m[2]:m[3]]
		out = append(out, s[last:start]...)

		value, err := Evaluate(expression, ctx)
		if err != nil {
			log.Printf("expr: template evaluation failed for %q: %v", expression, err)
			out = append(out, s[start:end]...)
		} else {
			out = append(out, []byte(stringify(value))...)
		}
		last = end
	}
	out = append(out, s[last:]...)
	return string(out)
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

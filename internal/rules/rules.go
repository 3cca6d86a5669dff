// Package rules implements the gateway's declarative rule engine: a fixed
// add/replace/default/remove pipeline for mutating JSON bodies, headers,
// and query parameters, driven by the expression evaluator.
package rules

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/clasp-gateway/clasp/internal/expr"
)

// ModificationRules is the body/query variant: flat or dot-path keys mapped
// to raw (possibly templated) values.
type ModificationRules struct {
	Add     map[string]any `json:"add,omitempty"`
	Replace map[string]any `json:"replace,omitempty"`
	Default map[string]any `json:"default,omitempty"`
	Remove  []string       `json:"remove,omitempty"`
}

// MultiEventsKey is the reserved key that, when present after body rules are
// applied, signals that the result should be treated as a list of events
// rather than a single scalar object (used by end-of-stream synthesis).
const MultiEventsKey = "__multi_events"

// Apply runs the fixed add -> replace -> default -> remove pipeline over
// value (a map[string]any; nil is treated as an empty object, and any other
// non-object value is returned unchanged) and returns the resulting value.
func Apply(value any, r ModificationRules, ctx expr.Context) any {
	m, ok := value.(map[string]any)
	if !ok {
		if value == nil {
			m = map[string]any{}
		} else {
			// Non-object bodies can't host flat key rules; return unchanged.
			return value
		}
	}

	m = cloneMap(m)
	addedOrReplaced := make(map[string]bool)

	for k, v := range r.Add {
		resolved := expr.ProcessDynamicValue(v, ctx)
		if resolved == nil {
			continue // undefined results are skipped
		}
		setPath(m, k, resolved)
		addedOrReplaced[k] = true
	}

	for k, v := range r.Replace {
		if !hasPath(m, k) && !addedOrReplaced[k] {
			continue
		}
		resolved := expr.ProcessDynamicValue(v, ctx)
		if resolved == nil {
			continue
		}
		setPath(m, k, resolved)
		addedOrReplaced[k] = true
	}

	for k, v := range r.Default {
		if hasPath(m, k) {
			continue
		}
		resolved := expr.ProcessDynamicValue(v, ctx)
		if resolved == nil {
			continue
		}
		setPath(m, k, resolved)
	}

	for _, k := range r.Remove {
		if addedOrReplaced[k] {
			continue
		}
		deletePath(m, k)
	}

	return m
}

// MultiEvents returns the __multi_events escape-hatch array if present, and
// whether it was found.
func MultiEvents(value any) ([]any, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	arr, ok := m[MultiEventsKey].([]any)
	return arr, ok
}

// DeepMergeRules merges override onto base: objects deep-merge key by key;
// arrays (Remove lists) combine and deduplicate by value equality.
func DeepMergeRules(base, override ModificationRules) ModificationRules {
	return ModificationRules{
		Add:     mergeValueMaps(base.Add, override.Add),
		Replace: mergeValueMaps(base.Replace, override.Replace),
		Default: mergeValueMaps(base.Default, override.Default),
		Remove:  mergeStringSets(base.Remove, override.Remove),
	}
}

func mergeValueMaps(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// MergeHeaderRules merges override onto base the same way DeepMergeRules
// does for body rules: per-phase maps merge key by key, Remove lists union.
func MergeHeaderRules(base, override HeaderRules) HeaderRules {
	return HeaderRules{
		Add:     mergeStringMaps(base.Add, override.Add),
		Replace: mergeStringMaps(base.Replace, override.Replace),
		Default: mergeStringMaps(base.Default, override.Default),
		Remove:  mergeStringSets(base.Remove, override.Remove),
	}
}

// MergeQueryRules merges override onto base the same way DeepMergeRules
// does for body rules.
func MergeQueryRules(base, override QueryRules) QueryRules {
	return QueryRules{
		Add:     mergeValueMaps(base.Add, override.Add),
		Replace: mergeValueMaps(base.Replace, override.Replace),
		Default: mergeValueMaps(base.Default, override.Default),
		Remove:  mergeStringSets(base.Remove, override.Remove),
	}
}

func mergeStringMaps(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func mergeStringSets(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// --- path helpers: flat keys are handled directly; dotted keys fall back to
// gjson/sjson for nested addressing. ---

func hasPath(m map[string]any, key string) bool {
	if !strings.Contains(key, ".") {
		_, ok := m[key]
		return ok
	}
	data, err := marshalForPath(m)
	if err != nil {
		return false
	}
	return gjson.GetBytes(data, key).Exists()
}

func setPath(m map[string]any, key string, value any) {
	if !strings.Contains(key, ".") {
		m[key] = value
		return
	}
	data, err := marshalForPath(m)
	if err != nil {
		return
	}
	updated, err := sjson.SetBytes(data, key, value)
	if err != nil {
		return
	}
	unmarshalInto(updated, m)
}

func deletePath(m map[string]any, key string) {
	if !strings.Contains(key, ".") {
		delete(m, key)
		return
	}
	data, err := marshalForPath(m)
	if err != nil {
		return
	}
	updated, err := sjson.DeleteBytes(data, key)
	if err != nil {
		return
	}
	unmarshalInto(updated, m)
}

// --- header rules: case-insensitive multimap ---

// HeaderRules mirrors ModificationRules but operates on http.Header.
type HeaderRules struct {
	Add     map[string]string `json:"add,omitempty"`
	Replace map[string]string `json:"replace,omitempty"`
	Default map[string]string `json:"default,omitempty"`
	Remove  []string          `json:"remove,omitempty"`
}

// ApplyHeaders runs the add -> replace -> default -> remove phases against
// an http.Header multimap.
func ApplyHeaders(h http.Header, r HeaderRules, ctx expr.Context) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		ck := http.CanonicalHeaderKey(k)
		out[ck] = append(out[ck], v...)
	}
	addedOrReplaced := make(map[string]bool)

	for k, v := range r.Add {
		resolved := expr.ProcessDynamicValue(v, ctx)
		out.Set(k, stringifyHeaderValue(resolved))
		addedOrReplaced[strings.ToLower(k)] = true
	}
	for k, v := range r.Replace {
		lk := strings.ToLower(k)
		if out.Get(k) == "" && !addedOrReplaced[lk] {
			continue
		}
		resolved := expr.ProcessDynamicValue(v, ctx)
		out.Set(k, stringifyHeaderValue(resolved))
		addedOrReplaced[lk] = true
	}
	for k, v := range r.Default {
		if out.Get(k) != "" {
			continue
		}
		resolved := expr.ProcessDynamicValue(v, ctx)
		out.Set(k, stringifyHeaderValue(resolved))
	}
	for _, k := range r.Remove {
		if addedOrReplaced[strings.ToLower(k)] {
			continue
		}
		out.Del(k)
	}
	return out
}

func stringifyHeaderValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return toStringFallback(v)
}

// --- query rules: ordered list preserving duplicates ---

// QueryParam is one name=value pair in declaration order.
type QueryParam struct {
	Name  string
	Value string
}

// QueryRules mirrors ModificationRules for query parameters.
type QueryRules struct {
	Add     map[string]any `json:"add,omitempty"`
	Replace map[string]any `json:"replace,omitempty"`
	Default map[string]any `json:"default,omitempty"`
	Remove  []string       `json:"remove,omitempty"`
}

// ApplyQuery runs add -> replace -> default -> remove over an ordered query
// parameter list, preserving duplicate names.
func ApplyQuery(params []QueryParam, r QueryRules, ctx expr.Context) []QueryParam {
	out := make([]QueryParam, len(params))
	copy(out, params)
	addedOrReplaced := make(map[string]bool)

	names := sortedKeys(r.Add)
	for _, k := range names {
		resolved := expr.ProcessDynamicValue(r.Add[k], ctx)
		if resolved == nil {
			continue
		}
		out = append(out, QueryParam{Name: k, Value: stringifyHeaderValue(resolved)})
		addedOrReplaced[k] = true
	}

	for _, k := range sortedKeys(r.Replace) {
		if !queryHas(out, k) && !addedOrReplaced[k] {
			continue
		}
		resolved := expr.ProcessDynamicValue(r.Replace[k], ctx)
		if resolved == nil {
			continue
		}
		out = replaceQueryAll(out, k, stringifyHeaderValue(resolved))
		addedOrReplaced[k] = true
	}

	for _, k := range sortedKeys(r.Default) {
		if queryHas(out, k) {
			continue
		}
		resolved := expr.ProcessDynamicValue(r.Default[k], ctx)
		if resolved == nil {
			continue
		}
		out = append(out, QueryParam{Name: k, Value: stringifyHeaderValue(resolved)})
	}

	for _, k := range r.Remove {
		if addedOrReplaced[k] {
			continue
		}
		out = removeQueryAll(out, k)
	}

	return out
}

func queryHas(params []QueryParam, name string) bool {
	for _, p := range params {
		if p.Name == name {
			return true
		}
	}
	return false
}

func replaceQueryAll(params []QueryParam, name, value string) []QueryParam {
	found := false
	out := make([]QueryParam, 0, len(params))
	for _, p := range params {
		if p.Name == name {
			if !found {
				out = append(out, QueryParam{Name: name, Value: value})
				found = true
			}
			continue
		}
		out = append(out, p)
	}
	if !found {
		out = append(out, QueryParam{Name: name, Value: value})
	}
	return out
}

func removeQueryAll(params []QueryParam, name string) []QueryParam {
	out := make([]QueryParam, 0, len(params))
	for _, p := range params {
		if p.Name == name {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ParseQuery turns a raw query string into an ordered QueryParam list,
// preserving duplicate keys (net/url's Values discards ordering).
func ParseQuery(raw string) []QueryParam {
	var out []QueryParam
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		var name, value string
		if idx := strings.IndexByte(pair, '='); idx >= 0 {
			name, _ = url.QueryUnescape(pair[:idx])
			value, _ = url.QueryUnescape(pair[idx+1:])
		} else {
			name, _ = url.QueryUnescape(pair)
		}
		out = append(out, QueryParam{Name: name, Value: value})
	}
	return out
}

// EncodeQuery renders an ordered QueryParam list back into a query string.
func EncodeQuery(params []QueryParam) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

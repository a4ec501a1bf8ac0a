package flow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// placeholderPattern matches {{ dot.path }} template placeholders.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Interpolate substitutes {{path}} placeholders in tmpl with values from
// data, resolving dot paths through nested maps. Placeholders that do not
// resolve are left literal so the gap is visible downstream instead of
// silently vanishing.
func Interpolate(tmpl string, data map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		path := strings.TrimSpace(strings.Trim(m, "{}"))
		v, ok := getPath(data, path)
		if !ok {
			return m
		}
		return stringify(v)
	})
}

// InterpolateValue is Interpolate with type preservation: when the entire
// template is a single placeholder, the resolved value is returned as-is
// (not stringified).
func InterpolateValue(tmpl string, data map[string]any) any {
	trimmed := strings.TrimSpace(tmpl)
	if loc := placeholderPattern.FindStringIndex(trimmed); loc != nil && loc[0] == 0 && loc[1] == len(trimmed) {
		path := strings.TrimSpace(strings.Trim(trimmed, "{}"))
		if v, ok := getPath(data, path); ok {
			return v
		}
		return tmpl
	}
	return Interpolate(tmpl, data)
}

// InterpolateAny walks an arbitrary config value and interpolates every
// string in it. Maps and slices are rebuilt; other values pass through.
func InterpolateAny(v any, data map[string]any) any {
	switch t := v.(type) {
	case string:
		return InterpolateValue(t, data)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = InterpolateAny(inner, data)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = InterpolateAny(inner, data)
		}
		return out
	default:
		return v
	}
}

// LookupPath resolves a dot path against nested maps. Node implementations
// use it for config-driven field access ("user.profile.name").
func LookupPath(data map[string]any, path string) (any, bool) {
	return getPath(data, path)
}

// stringify renders a resolved value for string interpolation. Strings pass
// through; everything else is JSON-encoded so structured values stay
// parseable.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing ".0" noise.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case int:
		return fmt.Sprintf("%d", t)
	case bool:
		return fmt.Sprintf("%t", t)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

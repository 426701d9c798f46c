package feed

import (
	"fmt"
	"strings"
)

// RawItem is one feed entry flattened into element-name keys.
//
// Values are strings, []string for repeated elements (category), or a
// map[string]any of the form {"text": ..., "attributes": {...}} for elements
// such as guid that carry attributes.
type RawItem map[string]any

// String returns the text of key, unwrapping {text, attributes} values and
// taking the first element of repeated values.
func (r RawItem) String(key string) string {
	return textOf(r[key])
}

// Strings returns every value of key as a slice
func (r RawItem) Strings(key string) []string {
	switch v := r[key].(type) {
	case nil:
		return nil
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s := textOf(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		if s := textOf(v); s != "" {
			return []string{s}
		}
		return nil
	}
}

// First returns the first non-empty value among keys
func (r RawItem) First(keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(r.String(k)); s != "" {
			return s
		}
	}
	return ""
}

func textOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		if len(t) == 0 {
			return ""
		}
		return t[0]
	case []any:
		if len(t) == 0 {
			return ""
		}
		return textOf(t[0])
	case map[string]any:
		// JSON round trips through the queue turn nested maps into map[string]any
		return textOf(t["text"])
	case map[string]string:
		return t["text"]
	default:
		return fmt.Sprint(t)
	}
}

package domain

import (
	"strconv"
	"strings"
)

// Metadata is an unstructured key/value container used for run context,
// step input and adapter payloads.
type Metadata map[string]any

// Clone returns a deep copy of nested maps and slices.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case Metadata:
		return typed.Clone()
	case map[string]any:
		return map[string]any(Metadata(typed).Clone())
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}

// Lookup resolves a dotted path through nested maps and slices.
func (m Metadata) Lookup(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if len(m) == 0 || path == "" {
		return nil, false
	}
	var current any = map[string]any(m)
	for _, part := range strings.Split(path, ".") {
		key := strings.TrimSpace(part)
		if key == "" {
			return nil, false
		}
		switch typed := current.(type) {
		case map[string]any:
			next, ok := typed[key]
			if !ok {
				return nil, false
			}
			current = next
		case Metadata:
			next, ok := typed[key]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			index, err := strconv.Atoi(key)
			if err != nil || index < 0 || index >= len(typed) {
				return nil, false
			}
			current = typed[index]
		default:
			return nil, false
		}
	}
	return current, true
}

// Merge applies patch on top of m. Nested maps are merged key by key; a nil
// value in patch removes the key.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := m.Clone()
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		if pm, ok := asMap(v); ok {
			if cm, ok := asMap(out[k]); ok {
				out[k] = map[string]any(Metadata(cm).Merge(pm))
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

func asMap(v any) (Metadata, bool) {
	switch typed := v.(type) {
	case Metadata:
		return typed, true
	case map[string]any:
		return Metadata(typed), true
	default:
		return nil, false
	}
}

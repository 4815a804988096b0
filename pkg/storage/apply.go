package storage

import (
	"fmt"
	"time"

	"visitor-tracker/pkg/models"
)

// applyWrites merges writes into fields in order. fields is modified in place.
func applyWrites(fields map[string]any, writes []Write, now time.Time) error {
	for _, w := range writes {
		if err := w.Path.validate(); err != nil {
			return err
		}
	}
	for _, w := range writes {
		parent := fields
		for _, seg := range w.Path[:len(w.Path)-1] {
			child, ok := parent[seg].(map[string]any)
			if !ok {
				child = make(map[string]any)
				parent[seg] = child
			}
			parent = child
		}
		leaf := w.Path[len(w.Path)-1]

		switch v := w.Value.(type) {
		case incrementOp:
			cur, _ := toInt64(parent[leaf])
			parent[leaf] = cur + v.n
		case serverTimestampOp:
			parent[leaf] = now
		default:
			value, err := normalize(w.Value)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidWrite, w.Path, err)
			}
			if m, ok := value.(map[string]any); ok {
				existing, ok := parent[leaf].(map[string]any)
				if !ok {
					existing = make(map[string]any, len(m))
					parent[leaf] = existing
				}
				mergeMap(existing, m)
				continue
			}
			parent[leaf] = value
		}
	}
	return nil
}

func mergeMap(dst, src map[string]any) {
	for k, v := range src {
		if m, ok := v.(map[string]any); ok {
			existing, ok := dst[k].(map[string]any)
			if !ok {
				existing = make(map[string]any, len(m))
				dst[k] = existing
			}
			mergeMap(existing, m)
			continue
		}
		dst[k] = v
	}
}

// normalize converts the typed maps used by callers into map[string]any so
// they can be merged field by field.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, int64, float64, time.Time:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			if k == "" {
				return nil, fmt.Errorf("empty map key")
			}
			n, err := normalize(inner)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out, nil
	case map[string]int64:
		out := make(map[string]any, len(t))
		for k, n := range t {
			out[k] = n
		}
		return out, nil
	case models.ClickTally:
		return normalize(map[string]int64(t))
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			n, err := normalize(inner)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case incrementOp, serverTimestampOp:
		return nil, fmt.Errorf("sentinel values cannot be nested inside a map")
	default:
		return v, nil
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

func cloneFields(fields map[string]any) map[string]any {
	return cloneValue(fields).(map[string]any)
}

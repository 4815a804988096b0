package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Wire operations for WireWrite.Op.
const (
	OpSet             = "set"
	OpIncrement       = "increment"
	OpServerTimestamp = "serverTimestamp"
)

// WireWrite is the JSON form of a Write used by the document server.
type WireWrite struct {
	Path  []string        `json:"path"`
	Op    string          `json:"op,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// SetRequest is the body of a merge-write request.
type SetRequest struct {
	Writes []WireWrite `json:"writes"`
}

// EncodeWrites converts writes to their wire form.
func EncodeWrites(writes []Write) ([]WireWrite, error) {
	out := make([]WireWrite, 0, len(writes))
	for _, w := range writes {
		ww := WireWrite{Path: []string(w.Path)}
		switch v := w.Value.(type) {
		case incrementOp:
			ww.Op = OpIncrement
			ww.Value = json.RawMessage(fmt.Sprintf("%d", v.n))
		case serverTimestampOp:
			ww.Op = OpServerTimestamp
		default:
			raw, err := json.Marshal(w.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidWrite, w.Path, err)
			}
			ww.Op = OpSet
			ww.Value = raw
		}
		out = append(out, ww)
	}
	return out, nil
}

// DecodeWrites converts wire writes back into Writes. Numbers inside set
// values are decoded as json.Number and stored as int64 when integral.
func DecodeWrites(wire []WireWrite) ([]Write, error) {
	out := make([]Write, 0, len(wire))
	for _, ww := range wire {
		path := FieldPath(ww.Path)
		if err := path.validate(); err != nil {
			return nil, err
		}
		switch ww.Op {
		case OpIncrement:
			var n int64
			if err := json.Unmarshal(ww.Value, &n); err != nil {
				return nil, fmt.Errorf("%w: increment %s: %v", ErrInvalidWrite, path, err)
			}
			out = append(out, Write{Path: path, Value: Increment(n)})
		case OpServerTimestamp:
			out = append(out, Write{Path: path, Value: ServerTimestamp()})
		case OpSet, "":
			if len(ww.Value) == 0 {
				return nil, fmt.Errorf("%w: set %s: missing value", ErrInvalidWrite, path)
			}
			dec := json.NewDecoder(bytes.NewReader(ww.Value))
			dec.UseNumber()
			var v any
			if err := dec.Decode(&v); err != nil {
				return nil, fmt.Errorf("%w: set %s: %v", ErrInvalidWrite, path, err)
			}
			out = append(out, Write{Path: path, Value: fromJSON(v)})
		default:
			return nil, fmt.Errorf("%w: unknown op %q", ErrInvalidWrite, ww.Op)
		}
	}
	return out, nil
}

// fromJSON turns integral json.Numbers into int64 and the rest into float64.
func fromJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, inner := range t {
			t[k] = fromJSON(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = fromJSON(inner)
		}
		return t
	default:
		return v
	}
}

// Package storage implements the remote document store that visitor trackers
// persist into.
//
// A Store holds schemaless documents grouped by collection. Writes are always
// merged into the existing document: fields that a write does not mention are
// preserved. Two sentinel values are understood by every backend:
//
//	storage.Increment(n)      // add n to the integer at the path, atomically
//	storage.ServerTimestamp() // replaced by the store's clock at write time
//
// Field paths are explicit segment lists so that map keys containing dots
// (domain names) address a single field:
//
//	storage.Path("externalLinkClicks", "example.com")
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"visitor-tracker/pkg/models"
)

var (
	// ErrNotFound is returned by Get when the document does not exist.
	ErrNotFound = errors.New("storage: document not found")
	// ErrUnavailable is returned when the store cannot serve requests.
	ErrUnavailable = errors.New("storage: store unavailable")
	// ErrInvalidWrite is returned for malformed field paths or operations.
	ErrInvalidWrite = errors.New("storage: invalid write")
)

// Store is a merge-write document database.
type Store interface {
	// Get returns the document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Set merges writes into the document, creating it if needed. All writes
	// of one call are applied atomically.
	Set(ctx context.Context, collection, id string, writes []Write) error
	// Ping reports whether the store is ready.
	Ping(ctx context.Context) error
	Close() error
}

// Expirer is implemented by stores that can drop stale documents.
type Expirer interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// FieldPath addresses a possibly nested field.
type FieldPath []string

// Path builds a FieldPath from its segments.
func Path(segments ...string) FieldPath {
	return FieldPath(segments)
}

func (p FieldPath) validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty field path", ErrInvalidWrite)
	}
	for _, seg := range p {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %s", ErrInvalidWrite, p)
		}
	}
	return nil
}

// String renders the path with dots, quoting segments that contain one.
func (p FieldPath) String() string {
	parts := make([]string, len(p))
	for i, seg := range p {
		if strings.ContainsAny(seg, ".`") {
			seg = "`" + strings.ReplaceAll(seg, "`", "\\`") + "`"
		}
		parts[i] = seg
	}
	return strings.Join(parts, ".")
}

// Write sets one field. Value may be a plain value, a map (merged
// recursively), Increment(n) or ServerTimestamp().
type Write struct {
	Path  FieldPath
	Value any
}

// Field is shorthand for a Write of value at the given path.
func Field(value any, path ...string) Write {
	return Write{Path: Path(path...), Value: value}
}

type incrementOp struct{ n int64 }

type serverTimestampOp struct{}

// Increment returns a sentinel that adds n to the integer at the write path.
// A missing or non-numeric field counts as zero.
func Increment(n int64) any { return incrementOp{n: n} }

// ServerTimestamp returns a sentinel replaced by the store's write time.
func ServerTimestamp() any { return serverTimestampOp{} }

// Document is a stored document. Fields is a private copy owned by the caller.
type Document struct {
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields"`
	UpdateTime time.Time      `json:"update_time"`
}

// Value returns the raw value at path.
func (d *Document) Value(path ...string) (any, bool) {
	if d == nil {
		return nil, false
	}
	var cur any = d.Fields
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Int returns the integer at path. Missing or non-numeric values are zero.
func (d *Document) Int(path ...string) int64 {
	v, _ := d.Value(path...)
	n, _ := toInt64(v)
	return n
}

// Text returns the string at path.
func (d *Document) Text(path ...string) string {
	v, _ := d.Value(path...)
	s, _ := v.(string)
	return s
}

// Time returns the timestamp at path, accepting both native and RFC 3339
// encoded values.
func (d *Document) Time(path ...string) time.Time {
	v, _ := d.Value(path...)
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// Tally decodes a domain -> count map stored at path. Negative and
// non-numeric entries are dropped.
func (d *Document) Tally(path ...string) models.ClickTally {
	out := models.ClickTally{}
	v, _ := d.Value(path...)
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for domain, raw := range m {
		n, ok := toInt64(raw)
		if !ok || n < 0 {
			continue
		}
		out[domain] = n
	}
	return out
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

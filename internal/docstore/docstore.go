// Package docstore defines a thin adapter over a hierarchical, path-addressed
// document database. Paths alternate collection and document segments, e.g.
// "users/alice" or "collectibles/c1/collectors/bob".
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Doc is a document read from the store.
type Doc struct {
	Path string
	Data map[string]interface{}
}

// Filter is an equality filter on a (possibly dotted) field path.
type Filter struct {
	Field string
	Value interface{}
}

// Store is the document database contract the marketplace core depends on.
// Update field values may be plain values or the atomic operations below;
// atomic operations are commutative and safe under concurrent application.
type Store interface {
	Get(ctx context.Context, path string) (Doc, error)
	Set(ctx context.Context, path string, data map[string]interface{}) error
	Update(ctx context.Context, path string, fields map[string]interface{}) error
	// UpsertIncrement atomically adds delta to a numeric field, creating
	// the document when absent. Reports whether it created the document so
	// a compensating write can remove it instead of zeroing it.
	UpsertIncrement(ctx context.Context, path, field string, delta int64) (bool, error)
	Delete(ctx context.Context, path string) error
	Add(ctx context.Context, collectionPath string, data map[string]interface{}) (string, error)
	Query(ctx context.Context, collectionPath string, filters []Filter) ([]Doc, error)
}

// IncrementOp atomically adds Delta to a numeric field.
type IncrementOp struct {
	Delta int64
}

// ArrayUnionOp atomically appends Value to an array field if not present.
type ArrayUnionOp struct {
	Value interface{}
}

// ArrayRemoveOp atomically removes exact matches of Value from an array field.
type ArrayRemoveOp struct {
	Value interface{}
}

// Increment builds an atomic increment (negative delta decrements).
func Increment(delta int64) IncrementOp { return IncrementOp{Delta: delta} }

// ArrayUnion builds an atomic array-union operation.
func ArrayUnion(value interface{}) ArrayUnionOp { return ArrayUnionOp{Value: value} }

// ArrayRemove builds an atomic array-remove operation.
func ArrayRemove(value interface{}) ArrayRemoveOp { return ArrayRemoveOp{Value: value} }

// ValidateDocPath checks that path addresses a document: a non-empty even
// number of non-empty segments.
func ValidateDocPath(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segs)%2 != 0 {
		return fmt.Errorf("path %q addresses a collection, not a document", path)
	}
	return nil
}

// ValidateCollectionPath checks that path addresses a collection: an odd
// number of non-empty segments.
func ValidateCollectionPath(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segs)%2 == 0 {
		return fmt.Errorf("path %q addresses a document, not a collection", path)
	}
	return nil
}

// ParentCollection returns the collection a document belongs to.
func ParentCollection(docPath string) string {
	idx := strings.LastIndex(docPath, "/")
	if idx < 0 {
		return ""
	}
	return docPath[:idx]
}

// DocID returns the final path segment.
func DocID(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("path %q contains an empty segment", path)
		}
	}
	return segs, nil
}

// FieldInt64 reads a numeric field from document data following a dotted
// path, coercing JSON numeric types. Returns false when absent or non-numeric.
func FieldInt64(data map[string]interface{}, field string) (int64, bool) {
	v, ok := FieldValue(data, field)
	if !ok {
		return 0, false
	}
	return CoerceInt64(v)
}

// FieldString reads a string field following a dotted path.
func FieldString(data map[string]interface{}, field string) (string, bool) {
	v, ok := FieldValue(data, field)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// FieldBool reads a bool field following a dotted path.
func FieldBool(data map[string]interface{}, field string) (bool, bool) {
	v, ok := FieldValue(data, field)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// FieldValue reads a field following a dotted path.
func FieldValue(data map[string]interface{}, field string) (interface{}, bool) {
	parts := strings.Split(field, ".")
	cur := data
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := v.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// CoerceInt64 converts the numeric representations that survive JSON
// round-trips into int64.
func CoerceInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	default:
		return 0, false
	}
}

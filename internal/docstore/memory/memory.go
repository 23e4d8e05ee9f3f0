// Package memory provides an in-memory document store. It is safe for
// concurrent use and is primarily intended for tests and local development.
package memory

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/lumenfeed/market_layer/internal/docstore"
)

// Store is an in-memory implementation of docstore.Store.
type Store struct {
	mu   sync.RWMutex
	docs map[string]map[string]interface{}
}

var _ docstore.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{docs: make(map[string]map[string]interface{})}
}

// Get returns a copy of the document at path.
func (s *Store) Get(_ context.Context, path string) (docstore.Doc, error) {
	if err := docstore.ValidateDocPath(path); err != nil {
		return docstore.Doc{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.docs[path]
	if !ok {
		return docstore.Doc{}, fmt.Errorf("get %s: %w", path, docstore.ErrNotFound)
	}
	return docstore.Doc{Path: path, Data: cloneMap(data)}, nil
}

// Set writes a full document, replacing any existing content.
func (s *Store) Set(_ context.Context, path string, data map[string]interface{}) error {
	if err := docstore.ValidateDocPath(path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[path] = cloneMap(data)
	return nil
}

// Update applies partial field writes and atomic operations to an existing
// document. Dotted field paths address nested maps.
func (s *Store) Update(_ context.Context, path string, fields map[string]interface{}) error {
	if err := docstore.ValidateDocPath(path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.docs[path]
	if !ok {
		return fmt.Errorf("update %s: %w", path, docstore.ErrNotFound)
	}

	for field, value := range fields {
		if err := applyField(data, field, value); err != nil {
			return fmt.Errorf("update %s field %s: %w", path, field, err)
		}
	}
	return nil
}

// UpsertIncrement atomically adds delta to a numeric field, creating the
// document under the store lock when absent.
func (s *Store) UpsertIncrement(_ context.Context, path, field string, delta int64) (bool, error) {
	if err := docstore.ValidateDocPath(path); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.docs[path]
	created := false
	if !ok {
		data = make(map[string]interface{})
		s.docs[path] = data
		created = true
	}
	if err := applyField(data, field, docstore.Increment(delta)); err != nil {
		if created {
			delete(s.docs, path)
		}
		return false, fmt.Errorf("upsert increment %s field %s: %w", path, field, err)
	}
	return created, nil
}

// Delete removes a document. Deleting an absent document is not an error,
// which keeps compensating deletes idempotent.
func (s *Store) Delete(_ context.Context, path string) error {
	if err := docstore.ValidateDocPath(path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, path)
	return nil
}

// Add creates a document with a generated ID under collectionPath.
func (s *Store) Add(_ context.Context, collectionPath string, data map[string]interface{}) (string, error) {
	if err := docstore.ValidateCollectionPath(collectionPath); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := collectionPath + "/" + uuid.NewString()
	s.docs[path] = cloneMap(data)
	return path, nil
}

// Query returns the direct children of collectionPath matching all equality
// filters.
func (s *Store) Query(_ context.Context, collectionPath string, filters []docstore.Filter) ([]docstore.Doc, error) {
	if err := docstore.ValidateCollectionPath(collectionPath); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := collectionPath + "/"
	var result []docstore.Doc
	for path, data := range s.docs {
		if !strings.HasPrefix(path, prefix) || strings.Contains(path[len(prefix):], "/") {
			continue
		}
		if matches(data, filters) {
			result = append(result, docstore.Doc{Path: path, Data: cloneMap(data)})
		}
	}
	return result, nil
}

// Len reports the number of stored documents. Intended for tests asserting
// that a rolled-back saga left no residue.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Snapshot returns a deep copy of the entire store. Intended for tests
// comparing pre- and post-rollback state.
func (s *Store) Snapshot() map[string]map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(map[string]map[string]interface{}, len(s.docs))
	for path, data := range s.docs {
		snap[path] = cloneMap(data)
	}
	return snap
}

func matches(data map[string]interface{}, filters []docstore.Filter) bool {
	for _, f := range filters {
		v, ok := docstore.FieldValue(data, f.Field)
		if !ok {
			return false
		}
		if !looseEqual(v, f.Value) {
			return false
		}
	}
	return true
}

// looseEqual compares values across the integer widths that JSON decoding
// and Go literals produce.
func looseEqual(a, b interface{}) bool {
	if ai, ok := docstore.CoerceInt64(a); ok {
		if bi, ok := docstore.CoerceInt64(b); ok {
			return ai == bi
		}
	}
	return reflect.DeepEqual(a, b)
}

func applyField(data map[string]interface{}, field string, value interface{}) error {
	parent, key, err := resolveParent(data, field)
	if err != nil {
		return err
	}

	switch op := value.(type) {
	case docstore.IncrementOp:
		cur := int64(0)
		if existing, ok := parent[key]; ok {
			n, ok := docstore.CoerceInt64(existing)
			if !ok {
				return fmt.Errorf("increment on non-numeric field")
			}
			cur = n
		}
		parent[key] = cur + op.Delta

	case docstore.ArrayUnionOp:
		arr, err := toArray(parent[key])
		if err != nil {
			return err
		}
		for _, v := range arr {
			if reflect.DeepEqual(v, op.Value) {
				return nil
			}
		}
		parent[key] = append(arr, cloneValue(op.Value))

	case docstore.ArrayRemoveOp:
		arr, err := toArray(parent[key])
		if err != nil {
			return err
		}
		kept := arr[:0]
		for _, v := range arr {
			if !reflect.DeepEqual(v, op.Value) {
				kept = append(kept, v)
			}
		}
		parent[key] = kept

	default:
		parent[key] = cloneValue(value)
	}
	return nil
}

// resolveParent walks a dotted field path, creating intermediate maps.
func resolveParent(data map[string]interface{}, field string) (map[string]interface{}, string, error) {
	parts := strings.Split(field, ".")
	cur := data
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p]
		if !ok {
			m := make(map[string]interface{})
			cur[p] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return nil, "", fmt.Errorf("field %s is not a map", p)
		}
		cur = m
	}
	return cur, parts[len(parts)-1], nil
}

func toArray(v interface{}) ([]interface{}, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("array operation on non-array field")
	}
	return arr, nil
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

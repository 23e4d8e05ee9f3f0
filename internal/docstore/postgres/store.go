// Package postgres implements the document store on PostgreSQL. Documents
// live in a single jsonb table keyed by path; atomic field operations are
// expressed as single UPDATE statements so concurrent writers never lose
// updates.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/tidwall/gjson"

	"github.com/lumenfeed/market_layer/internal/docstore"
)

// Store implements docstore.Store backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ docstore.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and applies pending migrations.
func Open(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the document at path.
func (s *Store) Get(ctx context.Context, path string) (docstore.Doc, error) {
	if err := docstore.ValidateDocPath(path); err != nil {
		return docstore.Doc{}, err
	}

	var raw []byte
	err := s.db.QueryRowxContext(ctx, `SELECT data FROM documents WHERE path = $1`, path).Scan(&raw)
	if err == sql.ErrNoRows {
		return docstore.Doc{}, fmt.Errorf("get %s: %w", path, docstore.ErrNotFound)
	}
	if err != nil {
		return docstore.Doc{}, fmt.Errorf("get %s: %w", path, err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return docstore.Doc{}, fmt.Errorf("get %s: decode: %w", path, err)
	}
	return docstore.Doc{Path: path, Data: data}, nil
}

// Set writes a full document, replacing any existing content.
func (s *Store) Set(ctx context.Context, path string, data map[string]interface{}) error {
	if err := docstore.ValidateDocPath(path); err != nil {
		return err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("set %s: encode: %w", path, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (path, collection, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`, path, docstore.ParentCollection(path), raw)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

// Update applies partial field writes and atomic operations. Each field is a
// single UPDATE; all fields of one call run inside one transaction.
func (s *Store) Update(ctx context.Context, path string, fields map[string]interface{}) error {
	if err := docstore.ValidateDocPath(path); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update %s: begin: %w", path, err)
	}
	defer tx.Rollback()

	for field, value := range fields {
		if err := applyField(ctx, tx, path, field, value); err != nil {
			return fmt.Errorf("update %s field %s: %w", path, field, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update %s: commit: %w", path, err)
	}
	return nil
}

// UpsertIncrement atomically adds delta to a numeric field, creating the
// document when absent. The insert-or-update runs as one statement, so
// concurrent first writes to the same path cannot lose an increment.
// xmax = 0 distinguishes a fresh insert from a conflicting update.
func (s *Store) UpsertIncrement(ctx context.Context, path, field string, delta int64) (bool, error) {
	if err := docstore.ValidateDocPath(path); err != nil {
		return false, err
	}

	var created bool
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO documents (path, collection, data, updated_at)
		VALUES ($1, $2, jsonb_set('{}'::jsonb, $3::text[], to_jsonb($4::bigint), true), now())
		ON CONFLICT (path) DO UPDATE
		SET data = jsonb_set(documents.data, $3::text[],
			to_jsonb(COALESCE((documents.data #>> $3::text[])::bigint, 0) + $4), true),
		    updated_at = now()
		RETURNING xmax = 0
	`, path, docstore.ParentCollection(path), pq.Array(strings.Split(field, ".")), delta).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert increment %s field %s: %w", path, field, err)
	}
	return created, nil
}

// Delete removes a document. Deleting an absent document is not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := docstore.ValidateDocPath(path); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE path = $1`, path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Add creates a document with a generated ID under collectionPath.
func (s *Store) Add(ctx context.Context, collectionPath string, data map[string]interface{}) (string, error) {
	if err := docstore.ValidateCollectionPath(collectionPath); err != nil {
		return "", err
	}

	path := collectionPath + "/" + uuid.NewString()
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("add %s: encode: %w", collectionPath, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (path, collection, data, updated_at)
		VALUES ($1, $2, $3, now())
	`, path, collectionPath, raw)
	if err != nil {
		return "", fmt.Errorf("add %s: %w", collectionPath, err)
	}
	return path, nil
}

// Query returns the direct children of collectionPath matching all equality
// filters. Filters are evaluated over the raw jsonb payload.
func (s *Store) Query(ctx context.Context, collectionPath string, filters []docstore.Filter) ([]docstore.Doc, error) {
	if err := docstore.ValidateCollectionPath(collectionPath); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryxContext(ctx,
		`SELECT path, data FROM documents WHERE collection = $1 ORDER BY path`, collectionPath)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collectionPath, err)
	}
	defer rows.Close()

	var result []docstore.Doc
	for rows.Next() {
		var path string
		var raw []byte
		if err := rows.Scan(&path, &raw); err != nil {
			return nil, fmt.Errorf("query %s: scan: %w", collectionPath, err)
		}
		if !matchesRaw(raw, filters) {
			continue
		}
		var data map[string]interface{}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("query %s: decode %s: %w", collectionPath, path, err)
		}
		result = append(result, docstore.Doc{Path: path, Data: data})
	}
	return result, rows.Err()
}

func matchesRaw(raw []byte, filters []docstore.Filter) bool {
	for _, f := range filters {
		got := gjson.GetBytes(raw, f.Field)
		if !got.Exists() {
			return false
		}
		switch want := f.Value.(type) {
		case string:
			if got.Type != gjson.String || got.Str != want {
				return false
			}
		case bool:
			if (got.Type != gjson.True && got.Type != gjson.False) || got.Bool() != want {
				return false
			}
		default:
			n, ok := docstore.CoerceInt64(f.Value)
			if !ok || got.Type != gjson.Number || got.Int() != n {
				return false
			}
		}
	}
	return true
}

// execer lets applyField run against either the pool or a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func applyField(ctx context.Context, tx execer, path, field string, value interface{}) error {
	fieldPath := pq.Array(strings.Split(field, "."))

	var res sql.Result
	var err error
	switch op := value.(type) {
	case docstore.IncrementOp:
		res, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET data = jsonb_set(data, $2::text[],
				to_jsonb(COALESCE((data #>> $2::text[])::bigint, 0) + $3), true),
			    updated_at = now()
			WHERE path = $1
		`, path, fieldPath, op.Delta)

	case docstore.ArrayUnionOp:
		var elem []byte
		if elem, err = json.Marshal(op.Value); err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET data = jsonb_set(data, $2::text[],
				CASE WHEN COALESCE(data #> $2::text[], '[]'::jsonb) @> $3::jsonb
				     THEN COALESCE(data #> $2::text[], '[]'::jsonb)
				     ELSE COALESCE(data #> $2::text[], '[]'::jsonb) || $3::jsonb
				END, true),
			    updated_at = now()
			WHERE path = $1
		`, path, fieldPath, elem)

	case docstore.ArrayRemoveOp:
		var elem []byte
		if elem, err = json.Marshal(op.Value); err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET data = jsonb_set(data, $2::text[],
				COALESCE((SELECT jsonb_agg(e)
				          FROM jsonb_array_elements(COALESCE(data #> $2::text[], '[]'::jsonb)) AS t(e)
				          WHERE e <> $3::jsonb), '[]'::jsonb), true),
			    updated_at = now()
			WHERE path = $1
		`, path, fieldPath, elem)

	default:
		var raw []byte
		if raw, err = json.Marshal(value); err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET data = jsonb_set(data, $2::text[], $3::jsonb, true), updated_at = now()
			WHERE path = $1
		`, path, fieldPath, raw)
	}
	if err != nil {
		return err
	}

	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// SQLiteStore implements Store on a single-file SQLite database. Documents
// live in one table keyed by (collection, id) with the body stored as JSON
// text; secondary-key queries and conditional updates use json_extract so
// the guard evaluates inside one UPDATE statement.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and prepares the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// WAL keeps concurrent readers cheap; busy_timeout covers writer overlap.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying pragma: %w", err)
		}
	}

	schema := `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string, out any) error {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", collection, id, err)
	}
	return nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", collection, id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data) VALUES (?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data`,
		collection, id, string(data),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, id, err)
	}
	return nil
}

// ConditionalPut implements Store. The guard is folded into the UPDATE's
// WHERE clause so the compare-and-set happens in one statement; a zero
// RowsAffected is disambiguated with a follow-up existence check.
func (s *SQLiteStore) ConditionalPut(ctx context.Context, collection, id string, doc any, cond Cond) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", collection, id, err)
	}

	var where strings.Builder
	args := []any{string(data), collection, id}
	for field, want := range cond {
		if want == nil {
			fmt.Fprintf(&where, " AND json_extract(data, '$.%s') IS NULL", field)
			continue
		}
		fmt.Fprintf(&where, " AND json_extract(data, '$.%s') = ?", field)
		args = append(args, condArg(want))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET data = ? WHERE collection = ? AND id = ?`+where.String(),
		args...,
	)
	if err != nil {
		return fmt.Errorf("conditional put %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conditional put %s/%s: %w", collection, id, err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("conditional put %s/%s: %w", collection, id, err)
	}
	return ErrConditionFailed
}

// condArg converts a guard value to a driver-friendly argument. json_extract
// yields TEXT for strings, INTEGER/REAL for numbers, and 0/1 for booleans.
func condArg(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	default:
		return val
	}
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, collection, field, value string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT data FROM documents WHERE collection = ? AND json_extract(data, '$.%s') = ? ORDER BY id`, field),
		collection, value,
	)
	if err != nil {
		return nil, fmt.Errorf("query %s by %s: %w", collection, field, err)
	}
	defer rows.Close()
	return collectRaw(rows)
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, collection string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM documents WHERE collection = ? ORDER BY id`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()
	return collectRaw(rows)
}

// BatchPut implements Store. All writes land in one transaction.
func (s *SQLiteStore) BatchPut(ctx context.Context, collection string, docs map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("batch put %s: %w", collection, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO documents (collection, id, data) VALUES (?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data`,
	)
	if err != nil {
		return fmt.Errorf("batch put %s: %w", collection, err)
	}
	defer stmt.Close()

	for id, doc := range docs {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encoding %s/%s: %w", collection, id, err)
		}
		if _, err := stmt.ExecContext(ctx, collection, id, string(data)); err != nil {
			return fmt.Errorf("batch put %s/%s: %w", collection, id, err)
		}
	}
	return tx.Commit()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func collectRaw(rows *sql.Rows) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		out = append(out, json.RawMessage(data))
	}
	return out, rows.Err()
}

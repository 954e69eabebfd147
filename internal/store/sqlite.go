package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/ctrlai/plangov/internal/ids"
)

// SQLite stores documents in a single SQLite file. Bodies are JSON text and
// field predicates use SQLite's JSON functions.
//
// The pool is limited to one connection: every statement is serialized by
// database/sql, which keeps compare-and-swap updates free of SQLITE_BUSY
// retries when many goroutines decide at once.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			body       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (collection, id)
		);
		CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, collection, id string) (Document, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("sqlite get %s/%s: %w", collection, id, err)
	}
	return decodeBody(id, []byte(body))
}

func (s *SQLite) ConditionalUpdate(ctx context.Context, collection, id string, fields Fields, pre Precondition) error {
	if err := checkPatch(collection, id, fields, pre); err != nil {
		return err
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding update: %w", err)
	}

	query := `UPDATE documents SET body = json_patch(body, ?) WHERE collection = ? AND id = ?`
	args := []any{string(patch), collection, id}
	if pre.Field != "" {
		query += ` AND json_extract(body, ?) = ?`
		args = append(args, "$."+pre.Field, pre.Equals)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite update %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite update %s/%s: %w", collection, id, err)
	}
	if n == 1 {
		return nil
	}
	return s.missOrStale(ctx, collection, id)
}

// missOrStale tells a missing document apart from a failed precondition
// after an update matched no rows. Documents are never deleted, so an
// existing row here means the precondition did not hold.
func (s *SQLite) missOrStale(ctx context.Context, collection, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite lookup %s/%s: %w", collection, id, err)
	}
	return ErrPreconditionFailed
}

func (s *SQLite) Append(ctx context.Context, collection string, fields Fields) (string, error) {
	id, body, err := prepareAppend(collection, fields, ids.New)
	if err != nil {
		return "", err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, string(body), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("sqlite append %s: %w", collection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("sqlite append %s: %w", collection, err)
	}
	if n == 0 {
		return "", ErrConflict
	}
	return id, nil
}

func (s *SQLite) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := checkQuery(collection, q); err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(`SELECT id, body FROM documents WHERE collection = ?`)
	args := []any{collection}

	for _, k := range sortedKeys(q.Filter) {
		sb.WriteString(` AND json_extract(body, ?) = ?`)
		args = append(args, "$."+k, q.Filter[k])
	}

	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	if q.OrderBy != "" {
		fmt.Fprintf(&sb, ` ORDER BY json_extract(body, ?) %s, seq %s`, dir, dir)
		args = append(args, "$."+q.OrderBy)
	} else {
		fmt.Fprintf(&sb, ` ORDER BY seq %s`, dir)
	}

	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		doc, err := decodeBody(id, []byte(body))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// DB exposes the handle for out-of-band maintenance and tests.
func (s *SQLite) DB() *sql.DB { return s.db }

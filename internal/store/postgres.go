package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ctrlai/plangov/internal/ids"
)

const pgErrUniqueViolation = "23505"

const postgresSchema = `
	create table if not exists documents (
		seq        bigserial primary key,
		collection text not null,
		id         text not null,
		body       jsonb not null,
		created_at timestamptz not null default now(),
		unique (collection, id)
	);
	create index if not exists idx_documents_collection on documents(collection);
`

// Postgres stores documents as jsonb rows.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with the pgx stdlib driver and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres store: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	p := NewPostgres(db)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing handle. The schema is not touched.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the documents table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("creating postgres schema: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, collection, id string) (Document, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx,
		`select body from documents where collection = $1 and id = $2`,
		collection, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("postgres get %s/%s: %w", collection, id, err)
	}
	return decodeBody(id, body)
}

func (p *Postgres) ConditionalUpdate(ctx context.Context, collection, id string, fields Fields, pre Precondition) error {
	if err := checkPatch(collection, id, fields, pre); err != nil {
		return err
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding update: %w", err)
	}

	query := `update documents set body = body || $3::jsonb where collection = $1 and id = $2`
	args := []any{collection, id, patch}
	if pre.Field != "" {
		query += ` and body->>$4::text = $5`
		args = append(args, pre.Field, pre.Equals)
	}

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres update %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres update %s/%s: %w", collection, id, err)
	}
	if n == 1 {
		return nil
	}

	var one int
	err = p.db.QueryRowContext(ctx,
		`select 1 from documents where collection = $1 and id = $2`, collection, id,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres lookup %s/%s: %w", collection, id, err)
	}
	return ErrPreconditionFailed
}

func (p *Postgres) Append(ctx context.Context, collection string, fields Fields) (string, error) {
	id, body, err := prepareAppend(collection, fields, ids.New)
	if err != nil {
		return "", err
	}

	_, err = p.db.ExecContext(ctx,
		`insert into documents (collection, id, body) values ($1, $2, $3::jsonb)`,
		collection, id, body,
	)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return "", ErrConflict
		}
		return "", fmt.Errorf("postgres append %s: %w", collection, err)
	}
	return id, nil
}

func (p *Postgres) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := checkQuery(collection, q); err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(`select id, body from documents where collection = $1`)
	args := []any{collection}

	for _, k := range sortedKeys(q.Filter) {
		args = append(args, k, q.Filter[k])
		fmt.Fprintf(&sb, ` and body->>$%d::text = $%d`, len(args)-1, len(args))
	}

	dir, nulls := "asc", "first"
	if q.Desc {
		dir, nulls = "desc", "last"
	}
	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		fmt.Fprintf(&sb, ` order by body->$%d::text %s nulls %s, seq %s`, len(args), dir, nulls, dir)
	} else {
		fmt.Fprintf(&sb, ` order by seq %s`, dir)
	}

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, ` limit $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres query %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			id   string
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scanning postgres row: %w", err)
		}
		doc, err := decodeBody(id, body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// Close closes the pool.
func (p *Postgres) Close() error { return p.db.Close() }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

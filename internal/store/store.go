// Package store is the document-storage collaborator used by the governance
// engine and the audit log.
//
// The contract is deliberately small: Get, ConditionalUpdate, Append and
// Query over JSON documents grouped in named collections. Three backends
// implement it:
//
//   - memory:   in-process maps, used by tests and `--storage memory`
//   - sqlite:   a single-file database (pure Go driver), the default
//   - postgres: jsonb documents behind database/sql + pgx
//
// ConditionalUpdate is the optimistic-concurrency primitive: the write is
// applied only if a named field currently holds an expected value, and the
// check and the write are one atomic statement in every backend.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// Sentinel errors. Backends wrap driver errors with context but return these
// unwrapped (or wrapped with %w) so callers can use errors.Is.
var (
	ErrNotFound           = errors.New("document not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrConflict           = errors.New("document already exists")
	ErrInvalidField       = errors.New("invalid field")
	ErrClosed             = errors.New("store closed")
)

// Fields is the body of a document. Values must be JSON-encodable.
type Fields map[string]any

// Document is a stored JSON object. Fields always contains "id".
type Document struct {
	ID     string
	Fields Fields
}

// Decode unmarshals the document into v using its JSON tags.
func (d Document) Decode(v any) error {
	data, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding document %s: %w", d.ID, err)
	}
	return nil
}

// FieldsOf converts a struct with JSON tags into Fields.
func FieldsOf(v any) (Fields, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var f Fields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// Precondition guards a ConditionalUpdate: the update applies only when the
// string field Field currently equals Equals. A zero Precondition makes the
// update unconditional.
type Precondition struct {
	Field  string
	Equals string
}

// Query selects documents from one collection.
// Filter matches string-valued fields by equality (AND across keys).
// OrderBy sorts by a field; ties and the unordered case fall back to
// insertion order. Limit 0 means no limit.
type Query struct {
	Filter  map[string]string
	OrderBy string
	Desc    bool
	Limit   int
}

// Store is the storage collaborator.
type Store interface {
	// Get returns the document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)

	// ConditionalUpdate merges fields into the document if the precondition
	// holds. Returns ErrNotFound if the document does not exist and
	// ErrPreconditionFailed if it exists but the precondition does not hold.
	ConditionalUpdate(ctx context.Context, collection, id string, fields Fields, pre Precondition) error

	// Append inserts a new document and returns its id. If fields carries a
	// non-empty string "id" it is used, otherwise a ULID is generated.
	// Returns ErrConflict if the id is already taken.
	Append(ctx context.Context, collection string, fields Fields) (string, error)

	// Query returns matching documents.
	Query(ctx context.Context, collection string, q Query) ([]Document, error)

	// Close releases the backend.
	Close() error
}

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns a Store for the named driver.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		if dsn == "" {
			return nil, fmt.Errorf("sqlite: dsn (database path) is required")
		}
		return OpenSQLite(dsn)
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres: dsn is required")
		}
		return OpenPostgres(context.Background(), dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q (use memory, sqlite, or postgres)", driver)
	}
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func checkName(kind, name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %s %q", ErrInvalidField, kind, name)
	}
	return nil
}

func checkQuery(collection string, q Query) error {
	if err := checkName("collection", collection); err != nil {
		return err
	}
	for k := range q.Filter {
		if err := checkName("filter field", k); err != nil {
			return err
		}
	}
	if q.OrderBy != "" {
		if err := checkName("order field", q.OrderBy); err != nil {
			return err
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrInvalidField, q.Limit)
	}
	return nil
}

// checkPatch validates an update body. The id is immutable and nil values
// are rejected so every backend merges identically.
func checkPatch(collection, id string, fields Fields, pre Precondition) error {
	if err := checkName("collection", collection); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidField)
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty update", ErrInvalidField)
	}
	for k, v := range fields {
		if k == "id" {
			return fmt.Errorf("%w: id is immutable", ErrInvalidField)
		}
		if err := checkName("field", k); err != nil {
			return err
		}
		if v == nil {
			return fmt.Errorf("%w: nil value for %q", ErrInvalidField, k)
		}
	}
	if pre.Field != "" {
		if err := checkName("precondition field", pre.Field); err != nil {
			return err
		}
	}
	return nil
}

// prepareAppend copies fields, resolves the document id, and returns the
// JSON body to store.
func prepareAppend(collection string, fields Fields, newID func() string) (string, []byte, error) {
	if err := checkName("collection", collection); err != nil {
		return "", nil, err
	}
	body := make(Fields, len(fields)+1)
	for k, v := range fields {
		if k != "id" {
			if err := checkName("field", k); err != nil {
				return "", nil, err
			}
		}
		body[k] = v
	}

	id, _ := body["id"].(string)
	if id == "" {
		id = newID()
	}
	body["id"] = id

	data, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("encoding document: %w", err)
	}
	return id, data, nil
}

// sortedKeys returns map keys in a stable order so generated SQL is
// deterministic.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decodeBody(id string, body []byte) (Document, error) {
	var f Fields
	if err := json.Unmarshal(body, &f); err != nil {
		return Document{}, fmt.Errorf("decoding document %s: %w", id, err)
	}
	return Document{ID: id, Fields: f}, nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ctrlai/plangov/internal/ids"
)

// Memory is an in-process Store. Bodies are kept JSON-encoded so callers
// always receive copies and values behave exactly as they would after a
// round trip through sqlite or postgres.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	closed      bool
}

type memCollection struct {
	docs  map[string][]byte
	order []string // insertion order
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memCollection)}
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Document{}, ErrClosed
	}

	c, ok := m.collections[collection]
	if !ok {
		return Document{}, ErrNotFound
	}
	body, ok := c.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return decodeBody(id, body)
}

func (m *Memory) ConditionalUpdate(ctx context.Context, collection, id string, fields Fields, pre Precondition) error {
	if err := checkPatch(collection, id, fields, pre); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	c, ok := m.collections[collection]
	if !ok {
		return ErrNotFound
	}
	body, ok := c.docs[id]
	if !ok {
		return ErrNotFound
	}

	var current Fields
	if err := json.Unmarshal(body, &current); err != nil {
		return fmt.Errorf("decoding document %s: %w", id, err)
	}
	if pre.Field != "" {
		v, _ := current[pre.Field].(string)
		if v != pre.Equals {
			return ErrPreconditionFailed
		}
	}
	for k, v := range fields {
		current[k] = v
	}

	data, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", id, err)
	}
	c.docs[id] = data
	return nil
}

func (m *Memory) Append(ctx context.Context, collection string, fields Fields) (string, error) {
	id, data, err := prepareAppend(collection, fields, ids.New)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	c, ok := m.collections[collection]
	if !ok {
		c = &memCollection{docs: make(map[string][]byte)}
		m.collections[collection] = c
	}
	if _, exists := c.docs[id]; exists {
		return "", ErrConflict
	}
	c.docs[id] = data
	c.order = append(c.order, id)
	return id, nil
}

func (m *Memory) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := checkQuery(collection, q); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	c, ok := m.collections[collection]
	if !ok {
		return nil, nil
	}

	var docs []Document
	for _, id := range c.order {
		doc, err := decodeBody(id, c.docs[id])
		if err != nil {
			return nil, err
		}
		if matchesFilter(doc.Fields, q.Filter) {
			docs = append(docs, doc)
		}
	}

	switch {
	case q.OrderBy != "":
		sort.SliceStable(docs, func(i, j int) bool {
			cmp := compareValues(docs[i].Fields[q.OrderBy], docs[j].Fields[q.OrderBy])
			if q.Desc {
				return cmp > 0
			}
			return cmp < 0
		})
		// Stable sort keeps insertion order among equal keys; flip that
		// too when descending.
		if q.Desc {
			reverseTies(docs, q.OrderBy)
		}
	case q.Desc:
		for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
			docs[i], docs[j] = docs[j], docs[i]
		}
	}

	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

// Close marks the store closed. Later calls return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func matchesFilter(f Fields, filter map[string]string) bool {
	for k, want := range filter {
		got, ok := f[k].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// compareValues orders decoded JSON values: missing < numbers < strings,
// numbers numerically, strings lexically.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch av := a.(type) {
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		return strings.Compare(av, b.(string))
	case nil:
		return 0
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case float64:
		return 1
	case string:
		return 2
	default:
		return 3
	}
}

// reverseTies reverses each run of documents with equal sort keys.
func reverseTies(docs []Document, field string) {
	for start := 0; start < len(docs); {
		end := start + 1
		for end < len(docs) && compareValues(docs[start].Fields[field], docs[end].Fields[field]) == 0 {
			end++
		}
		for i, j := start, end-1; i < j; i, j = i+1, j-1 {
			docs[i], docs[j] = docs[j], docs[i]
		}
		start = end
	}
}

package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ctrlai/plangov/internal/store"
)

// Collection is the document-store collection holding audit entries.
const Collection = "audit_entries"

// TimestampFormat is the fixed-width UTC timestamp stored in Entry.Timestamp.
// Fixed width keeps lexical and chronological order identical.
const TimestampFormat = "2006-01-02T15:04:05.000000Z"

const (
	maxAppendAttempts = 8
	followInterval    = 500 * time.Millisecond
	followBatch       = 500
)

var (
	// ErrInvalidRecord is returned by Append for a record without an action
	// or resource id.
	ErrInvalidRecord = errors.New("invalid audit record")

	// ErrContention is returned by Append when the chain head kept moving
	// under concurrent writers from other processes.
	ErrContention = errors.New("audit chain contention")

	// ErrInvalidQuery is returned by Recent for an unparseable since value.
	ErrInvalidQuery = errors.New("invalid audit query")
)

// Entry is a single audit record as stored.
type Entry struct {
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Timestamp  string            `json:"ts"`
	Action     string            `json:"action"`
	ResourceID string            `json:"resource_id"`
	ActorID    string            `json:"actor_id"`
	Metadata   map[string]string `json:"metadata"`
	PrevHash   string            `json:"prev_hash"`
	Hash       string            `json:"hash"`
}

// Record is what callers hand to Append; the log fills in the chain fields.
type Record struct {
	Action     string
	ResourceID string
	ActorID    string
	Metadata   map[string]string
}

// QueryParams filters Recent. Empty values mean "no filter".
type QueryParams struct {
	Actor    string // exact actor id
	Action   string // exact action
	Resource string // exact resource id
	Since    string // ISO timestamp or duration ("1h", "24h")
	Limit    int
}

// VerifyResult holds the outcome of a chain verification.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	BrokenAt       int    `json:"broken_at,omitempty"`
	EntryID        string `json:"entry_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	ExpectedHash   string `json:"expected_hash,omitempty"`
	ActualHash     string `json:"actual_hash,omitempty"`
}

// Log is the hash-chained audit log over a document store.
//
// Appends to one resource's chain are serialized in-process by a fixed set
// of striped mutexes keyed on the resource id; resources on different
// stripes proceed in parallel. Across processes sharing a database the
// deterministic entry id (<resource>:<seq>) makes two writers racing for
// the same chain position collide, and the loser re-reads the head and
// retries.
type Log struct {
	store store.Store
	now   func() time.Time

	locks [lockStripes]sync.Mutex

	hooksMu sync.RWMutex
	hooks   []func(Entry)
}

// New returns an audit log backed by st.
func New(st store.Store) *Log {
	return &Log{store: st, now: time.Now}
}

// OnAppend registers fn to be called after every successful append.
// Callbacks run synchronously on the appending goroutine, under the chain
// lock, and must neither block nor append.
func (l *Log) OnAppend(fn func(Entry)) {
	l.hooksMu.Lock()
	defer l.hooksMu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// Append adds a record to its resource's chain and returns the stored entry.
func (l *Log) Append(ctx context.Context, r Record) (Entry, error) {
	if r.Action == "" || r.ResourceID == "" {
		return Entry{}, fmt.Errorf("%w: action and resource id are required", ErrInvalidRecord)
	}

	mu := l.lockFor(r.ResourceID)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		head, ok, err := l.head(ctx, r.ResourceID)
		if err != nil {
			return Entry{}, err
		}

		e := Entry{
			Seq:        1,
			Timestamp:  l.now().UTC().Format(TimestampFormat),
			Action:     r.Action,
			ResourceID: r.ResourceID,
			ActorID:    r.ActorID,
			Metadata:   copyMetadata(r.Metadata),
			PrevHash:   GenesisHash,
		}
		if ok {
			e.Seq = head.Seq + 1
			e.PrevHash = head.Hash
			if e.Timestamp < head.Timestamp {
				e.Timestamp = head.Timestamp
			}
		}
		e.ID = entryID(r.ResourceID, e.Seq)
		e.Hash = computeHash(&e)

		fields, err := store.FieldsOf(&e)
		if err != nil {
			return Entry{}, fmt.Errorf("encoding audit entry: %w", err)
		}
		_, err = l.store.Append(ctx, Collection, fields)
		if errors.Is(err, store.ErrConflict) {
			slog.Debug("audit chain head moved, retrying",
				"resource", r.ResourceID, "seq", e.Seq, "attempt", attempt)
			continue
		}
		if err != nil {
			return Entry{}, fmt.Errorf("appending audit entry for %s: %w", r.ResourceID, err)
		}

		l.notify(e)
		return e, nil
	}
	return Entry{}, fmt.Errorf("appending audit entry for %s: %w", r.ResourceID, ErrContention)
}

// Verify recomputes the hash of a single stored entry. It returns false, not
// an error, when the entry no longer matches its hash. An entry mutated so
// badly it no longer decodes also verifies as false.
func (l *Log) Verify(ctx context.Context, entryID string) (bool, error) {
	doc, err := l.store.Get(ctx, Collection, entryID)
	if err != nil {
		return false, fmt.Errorf("loading audit entry %s: %w", entryID, err)
	}
	var e Entry
	if err := doc.Decode(&e); err != nil {
		slog.Warn("audit entry does not decode", "entry", entryID, "error", err)
		return false, nil
	}
	return verifyEntry(&e), nil
}

// ListByResource returns a resource's entries ordered by timestamp
// ascending, seq breaking ties.
func (l *Log) ListByResource(ctx context.Context, resourceID string) ([]Entry, error) {
	entries, err := l.query(ctx, store.Query{
		Filter:  map[string]string{"resource_id": resourceID},
		OrderBy: "ts",
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp < entries[j].Timestamp
		}
		return entries[i].Seq < entries[j].Seq
	})
	return entries, nil
}

// VerifyChain walks a resource's chain in seq order and reports the first
// broken link, if any. A resource with no entries is a valid empty chain.
func (l *Log) VerifyChain(ctx context.Context, resourceID string) (VerifyResult, error) {
	entries, err := l.query(ctx, store.Query{
		Filter:  map[string]string{"resource_id": resourceID},
		OrderBy: "seq",
	})
	if err != nil {
		return VerifyResult{}, fmt.Errorf("reading chain %s for verification: %w", resourceID, err)
	}
	return verifyLinks(entries), nil
}

// Resources returns the ids of every resource with at least one entry,
// sorted.
func (l *Log) Resources(ctx context.Context) ([]string, error) {
	entries, err := l.query(ctx, store.Query{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, e := range entries {
		if _, ok := seen[e.ResourceID]; ok {
			continue
		}
		seen[e.ResourceID] = struct{}{}
		ids = append(ids, e.ResourceID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Recent returns entries matching params, newest first.
func (l *Log) Recent(ctx context.Context, params QueryParams) ([]Entry, error) {
	since, err := parseSince(params.Since, l.now())
	if err != nil {
		return nil, err
	}

	filter := make(map[string]string)
	if params.Actor != "" {
		filter["actor_id"] = params.Actor
	}
	if params.Action != "" {
		filter["action"] = params.Action
	}
	if params.Resource != "" {
		filter["resource_id"] = params.Resource
	}

	entries, err := l.query(ctx, store.Query{
		Filter:  filter,
		OrderBy: "ts",
		Desc:    true,
		Limit:   params.Limit,
	})
	if err != nil {
		return nil, err
	}

	// Newest first, so everything past the first too-old entry is too old.
	if since != "" {
		for i, e := range entries {
			if e.Timestamp < since {
				entries = entries[:i]
				break
			}
		}
	}
	return entries, nil
}

// Follow calls fn for every entry appended after Follow starts, in
// timestamp order, polling the store. Blocks until ctx is cancelled.
func (l *Log) Follow(ctx context.Context, fn func(Entry)) error {
	cursor := ""
	seen := make(map[string]struct{})

	latest, err := l.Recent(ctx, QueryParams{Limit: followBatch})
	if err != nil {
		return err
	}
	if len(latest) > 0 {
		cursor = latest[0].Timestamp
		for _, e := range latest {
			if e.Timestamp == cursor {
				seen[e.ID] = struct{}{}
			}
		}
	}

	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			batch, err := l.Recent(ctx, QueryParams{Limit: followBatch})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Error("follow: error reading entries", "error", err)
				continue
			}

			var fresh []Entry
			for _, e := range batch {
				if e.Timestamp < cursor {
					break
				}
				if _, ok := seen[e.ID]; ok {
					continue
				}
				fresh = append(fresh, e)
			}
			for i := len(fresh) - 1; i >= 0; i-- {
				e := fresh[i]
				if e.Timestamp > cursor {
					cursor = e.Timestamp
					seen = make(map[string]struct{})
				}
				seen[e.ID] = struct{}{}
				fn(e)
			}
		}
	}
}

// Export writes every entry, oldest first, to w.
// Supported formats: "jsonl" (default), "json", "csv".
func (l *Log) Export(ctx context.Context, w io.Writer, format string) error {
	switch format {
	case "", "jsonl", "json", "csv":
	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}

	entries, err := l.query(ctx, store.Query{OrderBy: "ts"})
	if err != nil {
		return fmt.Errorf("reading entries for export: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []Entry{}
		}
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"id", "seq", "ts", "action", "resource_id", "actor_id", "metadata", "prev_hash", "hash"}); err != nil {
			return err
		}
		for _, e := range entries {
			meta, _ := json.Marshal(e.Metadata)
			if err := cw.Write([]string{
				e.ID,
				strconv.FormatUint(e.Seq, 10),
				e.Timestamp,
				e.Action,
				e.ResourceID,
				e.ActorID,
				string(meta),
				e.PrevHash,
				e.Hash,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	default:
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
}

// head returns the newest entry of a resource chain.
func (l *Log) head(ctx context.Context, resourceID string) (Entry, bool, error) {
	entries, err := l.query(ctx, store.Query{
		Filter:  map[string]string{"resource_id": resourceID},
		OrderBy: "seq",
		Desc:    true,
		Limit:   1,
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("reading chain head of %s: %w", resourceID, err)
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[0], true, nil
}

func (l *Log) query(ctx context.Context, q store.Query) ([]Entry, error) {
	docs, err := l.store.Query(ctx, Collection, q)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(docs))
	for _, d := range docs {
		var e Entry
		if err := d.Decode(&e); err != nil {
			slog.Warn("skipping malformed audit entry", "entry", d.ID, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// lockStripes bounds the number of chain mutexes regardless of how many
// resources the process has seen.
const lockStripes = 64

func (l *Log) lockFor(resourceID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(resourceID))
	return &l.locks[h.Sum32()%lockStripes]
}

func (l *Log) notify(e Entry) {
	l.hooksMu.RLock()
	hooks := l.hooks
	l.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(e)
	}
}

func entryID(resourceID string, seq uint64) string {
	return fmt.Sprintf("%s:%010d", resourceID, seq)
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// parseSince turns a duration ("1h") or an ISO timestamp into a lower
// bound comparable with Entry.Timestamp.
func parseSince(since string, now time.Time) (string, error) {
	if since == "" {
		return "", nil
	}
	if strings.Contains(since, "T") {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			return "", fmt.Errorf("%w: since timestamp %q: %v", ErrInvalidQuery, since, err)
		}
		return t.UTC().Format(TimestampFormat), nil
	}
	d, err := time.ParseDuration(since)
	if err != nil {
		return "", fmt.Errorf("%w: since duration %q: %v", ErrInvalidQuery, since, err)
	}
	return now.UTC().Add(-d).Format(TimestampFormat), nil
}

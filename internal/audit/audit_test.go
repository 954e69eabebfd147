package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ctrlai/plangov/internal/store"
)

// === Hash ===

func TestComputeHash_Deterministic(t *testing.T) {
	e := &Entry{
		Seq:        1,
		Timestamp:  "2026-02-12T10:00:00.000000Z",
		Action:     "campaign_approve",
		ResourceID: "c1",
		ActorID:    "u1",
		Metadata:   map[string]string{"review_id": "r1", "new_status": "approved"},
		PrevHash:   GenesisHash,
	}

	hash1 := computeHash(e)
	hash2 := computeHash(e)
	if hash1 != hash2 {
		t.Error("same input should produce the same hash")
	}
	if !strings.HasPrefix(hash1, "sha256:") || len(hash1) != len("sha256:")+64 {
		t.Errorf("hash should be sha256:<64 hex>, got %q", hash1)
	}
}

func TestComputeHash_MetadataCanonical(t *testing.T) {
	a := &Entry{Seq: 1, Metadata: map[string]string{"a": "1", "b": "2"}}
	b := &Entry{Seq: 1, Metadata: map[string]string{"b": "2", "a": "1"}}
	if computeHash(a) != computeHash(b) {
		t.Error("metadata insertion order must not affect the hash")
	}

	empty := &Entry{Seq: 1, Metadata: map[string]string{}}
	nilMeta := &Entry{Seq: 1}
	if computeHash(empty) != computeHash(nilMeta) {
		t.Error("nil and empty metadata should hash identically")
	}
}

func TestComputeHash_SensitiveToAllFields(t *testing.T) {
	base := Entry{
		Seq:        1,
		Timestamp:  "2026-02-12T10:00:00.000000Z",
		Action:     "campaign_approve",
		ResourceID: "c1",
		ActorID:    "u1",
		Metadata:   map[string]string{"reason": "ok"},
		PrevHash:   "sha256:abc",
	}
	baseHash := computeHash(&base)

	tests := []struct {
		name   string
		modify func(e *Entry)
	}{
		{"seq", func(e *Entry) { e.Seq = 99 }},
		{"timestamp", func(e *Entry) { e.Timestamp = "2026-12-31T00:00:00.000000Z" }},
		{"action", func(e *Entry) { e.Action = "campaign_reject" }},
		{"resource", func(e *Entry) { e.ResourceID = "c2" }},
		{"actor", func(e *Entry) { e.ActorID = "u2" }},
		{"metadata", func(e *Entry) { e.Metadata = map[string]string{"reason": "changed"} }},
		{"prev_hash", func(e *Entry) { e.PrevHash = "sha256:xyz" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := base
			tt.modify(&modified)
			if computeHash(&modified) == baseHash {
				t.Errorf("changing %s should produce a different hash", tt.name)
			}
		})
	}
}

func TestComputeHash_FieldBoundaries(t *testing.T) {
	base := Entry{Seq: 1, Action: "campaign_approve", ResourceID: "c1", ActorID: "alice|bob", PrevHash: GenesisHash}
	shifted := base
	shifted.ResourceID, shifted.ActorID = "c1|alice", "bob"
	if computeHash(&base) == computeHash(&shifted) {
		t.Error("moving a separator between resource and actor must change the hash")
	}

	quoted := base
	quoted.ActorID = `alice","bob`
	split := base
	split.ResourceID, split.ActorID = `c1","alice`, "bob"
	if computeHash(&quoted) == computeHash(&split) {
		t.Error("quotes inside ids must not shift field boundaries")
	}
}

func TestVerifyEntry(t *testing.T) {
	e := &Entry{Seq: 1, Action: "campaign_submit", ResourceID: "c1", PrevHash: GenesisHash}
	e.Hash = computeHash(e)
	if !verifyEntry(e) {
		t.Error("entry with correct hash should verify")
	}

	e.Action = "campaign_approve"
	if verifyEntry(e) {
		t.Error("entry with tampered field should not verify")
	}
}

func buildChain(n int) []Entry {
	entries := make([]Entry, n)
	prev := GenesisHash
	for i := range entries {
		e := &entries[i]
		e.Seq = uint64(i + 1)
		e.ID = entryID("c1", e.Seq)
		e.Timestamp = fmt.Sprintf("2026-02-12T10:00:%02d.000000Z", i)
		e.Action = "campaign_submit"
		e.ResourceID = "c1"
		e.PrevHash = prev
		e.Hash = computeHash(e)
		prev = e.Hash
	}
	return entries
}

func TestVerifyLinks(t *testing.T) {
	if r := verifyLinks(buildChain(4)); !r.Valid || r.EntriesChecked != 4 {
		t.Errorf("intact chain: %+v", r)
	}
	if r := verifyLinks(nil); !r.Valid {
		t.Errorf("empty chain should be valid: %+v", r)
	}

	t.Run("deleted middle entry", func(t *testing.T) {
		chain := buildChain(4)
		chain = append(chain[:1], chain[2:]...)
		r := verifyLinks(chain)
		if r.Valid || r.BrokenAt != 1 || !strings.Contains(r.Reason, "sequence gap") {
			t.Errorf("expected sequence gap at 1, got %+v", r)
		}
	})

	t.Run("deleted tail then re-linked", func(t *testing.T) {
		chain := buildChain(3)
		chain[2].PrevHash = chain[0].Hash
		chain[2].Hash = computeHash(&chain[2])
		r := verifyLinks(chain)
		if r.Valid || r.BrokenAt != 2 || r.ExpectedHash != chain[1].Hash {
			t.Errorf("expected broken link at 2, got %+v", r)
		}
	})

	t.Run("edited entry", func(t *testing.T) {
		chain := buildChain(3)
		chain[1].ActorID = "mallory"
		r := verifyLinks(chain)
		if r.Valid || r.BrokenAt != 1 || r.EntryID != chain[1].ID {
			t.Errorf("expected hash mismatch at 1, got %+v", r)
		}
	})

	t.Run("wrong genesis", func(t *testing.T) {
		chain := buildChain(2)
		chain[0].PrevHash = "sha256:other"
		chain[0].Hash = computeHash(&chain[0])
		if r := verifyLinks(chain); r.Valid || r.BrokenAt != 0 {
			t.Errorf("expected break at 0, got %+v", r)
		}
	})
}

// === Log ===

func newTestLog(t *testing.T) (*Log, store.Store) {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func TestAppend_ChainsPerResource(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	e1, err := l.Append(ctx, Record{Action: "campaign_submit", ResourceID: "c1", ActorID: "u1"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	other, err := l.Append(ctx, Record{Action: "campaign_submit", ResourceID: "c2", ActorID: "u1"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	e2, err := l.Append(ctx, Record{
		Action: "campaign_approve", ResourceID: "c1", ActorID: "u2",
		Metadata: map[string]string{"review_id": "r1"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if e1.Seq != 1 || e1.PrevHash != GenesisHash || e1.ID != "c1:0000000001" {
		t.Errorf("first entry: %+v", e1)
	}
	if other.Seq != 1 || other.PrevHash != GenesisHash {
		t.Errorf("independent resource should start its own chain: %+v", other)
	}
	if e2.Seq != 2 || e2.PrevHash != e1.Hash {
		t.Errorf("second entry should link to first: %+v", e2)
	}
	if len(e1.Timestamp) != len(TimestampFormat) {
		t.Errorf("timestamp %q is not fixed width", e1.Timestamp)
	}
}

func TestAppend_RejectsIncompleteRecord(t *testing.T) {
	l, _ := newTestLog(t)
	_, err := l.Append(context.Background(), Record{ResourceID: "c1"})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord, got %v", err)
	}
	_, err = l.Append(context.Background(), Record{Action: "campaign_submit"})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestAppend_CopiesMetadata(t *testing.T) {
	l, _ := newTestLog(t)
	meta := map[string]string{"reason": "ok"}
	e, err := l.Append(context.Background(), Record{Action: "a", ResourceID: "c1", Metadata: meta})
	if err != nil {
		t.Fatal(err)
	}
	meta["reason"] = "changed"

	ok, err := l.Verify(context.Background(), e.ID)
	if err != nil || !ok {
		t.Errorf("caller mutating its metadata must not affect the entry: ok=%v err=%v", ok, err)
	}
}

func TestAppend_TimestampsNonDecreasing(t *testing.T) {
	l, _ := newTestLog(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	i := 0
	l.now = func() time.Time {
		ts := times[i]
		i++
		return ts
	}

	var got []string
	for range times {
		e, err := l.Append(context.Background(), Record{Action: "a", ResourceID: "c1"})
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, e.Timestamp)
	}
	if got[1] != got[0] {
		t.Errorf("clock went backwards: expected clamp to %s, got %s", got[0], got[1])
	}
	if got[2] <= got[1] {
		t.Errorf("expected %s after %s", got[2], got[1])
	}
}

func TestAppend_PropagatesStorageErrors(t *testing.T) {
	l, st := newTestLog(t)
	st.Close()
	_, err := l.Append(context.Background(), Record{Action: "a", ResourceID: "c1"})
	if !errors.Is(err, store.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestVerify_DetectsOutOfBandMutation(t *testing.T) {
	l, st := newTestLog(t)
	ctx := context.Background()

	e, err := l.Append(ctx, Record{
		Action: "campaign_approve", ResourceID: "c1", ActorID: "u2",
		Metadata: map[string]string{"new_status": "approved"},
	})
	if err != nil {
		t.Fatal(err)
	}

	ok, err := l.Verify(ctx, e.ID)
	if err != nil || !ok {
		t.Fatalf("fresh entry should verify: ok=%v err=%v", ok, err)
	}

	tests := []struct {
		name  string
		patch store.Fields
	}{
		{"action", store.Fields{"action": "campaign_reject"}},
		{"actor", store.Fields{"actor_id": "mallory"}},
		{"metadata", store.Fields{"metadata": map[string]any{"new_status": "rejected"}}},
		{"seq type", store.Fields{"seq": "one"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := l.Append(ctx, Record{Action: "campaign_submit", ResourceID: "tamper-" + tt.name})
			if err != nil {
				t.Fatal(err)
			}
			if err := st.ConditionalUpdate(ctx, Collection, e.ID, tt.patch, store.Precondition{}); err != nil {
				t.Fatalf("tamper: %v", err)
			}
			ok, err := l.Verify(ctx, e.ID)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if ok {
				t.Error("tampered entry should not verify")
			}
		})
	}
}

func TestVerify_DetectsShiftedFieldBoundary(t *testing.T) {
	l, st := newTestLog(t)
	ctx := context.Background()

	e, err := l.Append(ctx, Record{Action: "campaign_approve", ResourceID: "c1", ActorID: "alice|bob"})
	if err != nil {
		t.Fatal(err)
	}
	patch := store.Fields{"resource_id": "c1|alice", "actor_id": "bob"}
	if err := st.ConditionalUpdate(ctx, Collection, e.ID, patch, store.Precondition{}); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	ok, err := l.Verify(ctx, e.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("entry with shifted resource/actor boundary should not verify")
	}
}

func TestVerify_MissingEntry(t *testing.T) {
	l, _ := newTestLog(t)
	_, err := l.Verify(context.Background(), "c1:0000000001")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListByResource_OrderedByTimestamp(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, Record{Action: fmt.Sprintf("a%d", i), ResourceID: "c1"}); err != nil {
			t.Fatal(err)
		}
		if _, err := l.Append(ctx, Record{Action: "noise", ResourceID: "c2"}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := l.ListByResource(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Seq != uint64(i+1) || e.Action != fmt.Sprintf("a%d", i) {
			t.Errorf("entry %d out of order: %+v", i, e)
		}
	}

	none, err := l.ListByResource(ctx, "unknown")
	if err != nil || len(none) != 0 {
		t.Errorf("expected no entries for unknown resource, got %d (%v)", len(none), err)
	}
}

func TestVerifyChain(t *testing.T) {
	l, st := newTestLog(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		e, err := l.Append(ctx, Record{Action: "a", ResourceID: "c1"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, e.ID)
	}

	r, err := l.VerifyChain(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !r.Valid || r.EntriesChecked != 4 {
		t.Errorf("expected valid chain of 4, got %+v", r)
	}

	if err := st.ConditionalUpdate(ctx, Collection, ids[2], store.Fields{"actor_id": "mallory"}, store.Precondition{}); err != nil {
		t.Fatal(err)
	}
	r, err = l.VerifyChain(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Valid || r.BrokenAt != 2 || r.EntryID != ids[2] {
		t.Errorf("expected break at entry 2, got %+v", r)
	}

	empty, err := l.VerifyChain(ctx, "nothing")
	if err != nil || !empty.Valid || empty.EntriesChecked != 0 {
		t.Errorf("empty chain: %+v (%v)", empty, err)
	}
}

func TestAppend_ConcurrentSameResource(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, Record{Action: "a", ResourceID: "c1", ActorID: fmt.Sprintf("u%d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	r, err := l.VerifyChain(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !r.Valid || r.EntriesChecked != n {
		t.Errorf("expected valid chain of %d, got %+v", n, r)
	}
}

func TestAppend_ManyResourcesShareStripes(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	if l.lockFor("c1") != l.lockFor("c1") {
		t.Fatal("one resource must always map to the same lock")
	}

	const resources = 4 * lockStripes
	var wg sync.WaitGroup
	errs := make(chan error, resources*2)
	for i := 0; i < resources; i++ {
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := l.Append(ctx, Record{Action: "a", ResourceID: fmt.Sprintf("c%d", i)})
				errs <- err
			}(i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	for i := 0; i < resources; i++ {
		r, err := l.VerifyChain(ctx, fmt.Sprintf("c%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if !r.Valid || r.EntriesChecked != 2 {
			t.Fatalf("c%d: expected valid chain of 2, got %+v", i, r)
		}
	}
}

func TestAppend_TwoLogsShareStore(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "plangov.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	logs := []*Log{New(st), New(st)}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for _, l := range logs {
		wg.Add(1)
		go func(l *Log) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if _, err := l.Append(ctx, Record{Action: "a", ResourceID: "c1"}); err != nil {
					errs <- err
				}
			}
		}(l)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Append: %v", err)
	}

	r, err := logs[0].VerifyChain(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !r.Valid || r.EntriesChecked != 10 {
		t.Errorf("expected valid chain of 10, got %+v", r)
	}
}

func TestOnAppend(t *testing.T) {
	l, _ := newTestLog(t)
	var got []string
	l.OnAppend(func(e Entry) { got = append(got, e.ID) })

	e, err := l.Append(context.Background(), Record{Action: "a", ResourceID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != e.ID {
		t.Errorf("expected hook call for %s, got %v", e.ID, got)
	}
}

func TestRecent_FiltersNewestFirst(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	l.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	records := []Record{
		{Action: "campaign_submit", ResourceID: "c1", ActorID: "planner"},
		{Action: "campaign_approve", ResourceID: "c1", ActorID: "manager"},
		{Action: "campaign_submit", ResourceID: "c2", ActorID: "planner"},
		{Action: "campaign_reject", ResourceID: "c2", ActorID: "manager"},
	}
	for _, r := range records {
		if _, err := l.Append(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name    string
		params  QueryParams
		actions []string
	}{
		{"all", QueryParams{}, []string{"campaign_reject", "campaign_submit", "campaign_approve", "campaign_submit"}},
		{"actor", QueryParams{Actor: "manager"}, []string{"campaign_reject", "campaign_approve"}},
		{"action", QueryParams{Action: "campaign_submit"}, []string{"campaign_submit", "campaign_submit"}},
		{"resource", QueryParams{Resource: "c1"}, []string{"campaign_approve", "campaign_submit"}},
		{"limit", QueryParams{Limit: 1}, []string{"campaign_reject"}},
		{"since timestamp", QueryParams{Since: "2026-03-01T12:03:00Z"}, []string{"campaign_reject", "campaign_submit"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := l.Recent(ctx, tt.params)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, e := range entries {
				got = append(got, e.Action)
			}
			if strings.Join(got, ",") != strings.Join(tt.actions, ",") {
				t.Errorf("expected %v, got %v", tt.actions, got)
			}
		})
	}

	if _, err := l.Recent(ctx, QueryParams{Since: "yesterday"}); err == nil {
		t.Error("expected error for invalid since value")
	}
}

func TestExport(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	for _, res := range []string{"c1", "c2"} {
		if _, err := l.Append(ctx, Record{Action: "campaign_submit", ResourceID: res, Metadata: map[string]string{"k": "v"}}); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("jsonl", func(t *testing.T) {
		var buf bytes.Buffer
		if err := l.Export(ctx, &buf, "jsonl"); err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Fatalf("expected 2 lines, got %d", len(lines))
		}
		var e Entry
		if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
			t.Fatal(err)
		}
		if !verifyEntry(&e) {
			t.Error("exported entry should still verify")
		}
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := l.Export(ctx, &buf, "json"); err != nil {
			t.Fatal(err)
		}
		var entries []Entry
		if err := json.Unmarshal(buf.Bytes(), &entries); err != nil {
			t.Fatal(err)
		}
		if len(entries) != 2 {
			t.Errorf("expected 2 entries, got %d", len(entries))
		}
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		if err := l.Export(ctx, &buf, "csv"); err != nil {
			t.Fatal(err)
		}
		rows, err := csv.NewReader(&buf).ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 3 || rows[0][0] != "id" || rows[1][6] != `{"k":"v"}` {
			t.Errorf("unexpected csv: %v", rows)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		if err := l.Export(ctx, &bytes.Buffer{}, "xml"); err == nil {
			t.Error("expected error for unsupported format")
		}
	})
}

func TestResources(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	for _, res := range []string{"c2", "c1", "c2"} {
		if _, err := l.Append(ctx, Record{Action: "a", ResourceID: res}); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := l.Resources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(ids, ",") != "c1,c2" {
		t.Errorf("expected [c1 c2], got %v", ids)
	}
}

func TestFollow_DeliversNewEntries(t *testing.T) {
	l, _ := newTestLog(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := l.Append(ctx, Record{Action: "before", ResourceID: "c1"}); err != nil {
		t.Fatal(err)
	}

	got := make(chan Entry, 4)
	done := make(chan error, 1)
	go func() {
		done <- l.Follow(ctx, func(e Entry) { got <- e })
	}()

	// Give Follow time to record its starting cursor.
	time.Sleep(100 * time.Millisecond)
	if _, err := l.Append(ctx, Record{Action: "after", ResourceID: "c1"}); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-got:
		if e.Action != "after" {
			t.Errorf("expected only the new entry, got %q", e.Action)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for followed entry")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

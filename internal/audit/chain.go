// Package audit implements the tamper-evident, hash-chained audit log of
// governance actions.
//
// Every state-changing action (a campaign submitted, approved, or rejected,
// a refused re-decision) is recorded as an Entry in the audit_entries
// collection of the document store. Entries form one chain per resource:
// each entry's hash covers the previous entry's hash, so editing or
// removing any entry breaks the chain from that point forward.
//
//	hash = SHA-256(JSON [prev_hash, seq, ts, action, resource_id, actor_id, metadata])
//
// The fields are hashed as a JSON array, so every string is quoted and
// escaped and no value can move bytes across a field boundary.
//
// The first entry of every chain links to GenesisHash.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// GenesisHash is the prev_hash of the first entry of every resource chain.
const GenesisHash = "sha256:genesis"

// computeHash calculates the SHA-256 hash of an entry from its declared
// fields. Metadata is folded in as canonical JSON (encoding/json sorts map
// keys), with nil and empty metadata hashing identically.
//
// Returns a prefixed hash string: "sha256:<hex>".
func computeHash(e *Entry) string {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	// Strings, an integer and a map[string]string cannot fail to marshal.
	data, _ := json.Marshal([]any{
		e.PrevHash, e.Seq, e.Timestamp,
		e.Action, e.ResourceID, e.ActorID, meta,
	})

	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// verifyEntry reports whether the stored hash matches the entry's contents.
func verifyEntry(e *Entry) bool {
	return e.Hash == computeHash(e)
}

// verifyLinks checks a resource chain ordered by seq: every hash, every
// prev_hash link, and seq continuity from 1. A gap in seq means an entry
// was deleted.
func verifyLinks(entries []Entry) VerifyResult {
	prev := GenesisHash
	for i := range entries {
		e := &entries[i]
		broken := VerifyResult{EntriesChecked: i + 1, BrokenAt: i, EntryID: e.ID}

		if want := uint64(i + 1); e.Seq != want {
			broken.Reason = fmt.Sprintf("sequence gap: expected seq %d, found %d", want, e.Seq)
			return broken
		}
		if e.PrevHash != prev {
			broken.Reason = "prev_hash does not match previous entry"
			broken.ExpectedHash = prev
			broken.ActualHash = e.PrevHash
			return broken
		}
		if expected := computeHash(e); e.Hash != expected {
			broken.Reason = "hash does not match entry contents"
			broken.ExpectedHash = expected
			broken.ActualHash = e.Hash
			return broken
		}
		prev = e.Hash
	}
	return VerifyResult{Valid: true, EntriesChecked: len(entries)}
}

// Package decisionlog implements the tamper-evident, hash-chained decision
// log. Every routing decision, cooldown transition, and lifecycle event is
// recorded as an Entry in an append-only JSONL file. Each entry's hash is
// computed as SHA-256(prev_hash | seq | timestamp | routeName | keyRef |
// outcome), forming a hash chain where tampering with any entry breaks the
// chain from that point forward.
package decisionlog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// computeHash calculates the SHA-256 hash for a decision log entry.
// The hash depends on the previous entry's hash, creating a chain where
// modifying any entry invalidates all subsequent entries.
//
// Returns a prefixed hash string: "sha256:<hex>".
func computeHash(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s",
		e.PrevHash, e.Seq, e.Timestamp,
		e.RouteName, e.KeyRef, e.Outcome)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// verifyEntry checks whether an entry's hash is valid given its contents.
// Returns true if the stored hash matches the computed hash.
func verifyEntry(e *Entry) bool {
	expected := computeHash(e)
	return e.Hash == expected
}

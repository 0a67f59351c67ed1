// Package ledger implements the append-only, hash-chained marketplace ledger.
//
// Every entry stores the SHA-256 of its canonical payload and a block hash
// over (payload hash, previous block hash, nonce, owner, kind). The first
// entry links to GenesisHash; each later entry links to the block hash of
// the entry before it, so altering any stored field is detectable with
// VerifyChain.
//
// There is exactly one writer per chain. Nonces start at 0 and grow by one
// per append with no gaps.
//
// Two implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, for tests and single-process deployments.
//   - PostgresLedger: durable, serialised with an advisory lock.
package ledger

import (
	"context"
	"iter"
)

// Ledger is the single-writer hash chain. Both MemoryLedger and
// PostgresLedger implement it.
type Ledger interface {
	// Append canonicalises payload, links it to the current tail and stores
	// it as the new tail. The nonce is assigned here, never by the caller.
	Append(ctx context.Context, ownerID string, payload Payload) (*Entry, error)

	// Get returns the entry with the given nonce.
	Get(ctx context.Context, nonce int64) (*Entry, error)

	// Len returns the number of entries in the chain.
	Len(ctx context.Context) (int64, error)

	// Root returns the block hash of the tail, or GenesisHash when empty.
	Root(ctx context.Context) (string, error)

	// Entries returns up to limit entries starting at nonce from.
	Entries(ctx context.Context, from int64, limit int) ([]*Entry, error)

	// EntriesForOwner yields the entries produced by ownerID in nonce order.
	// The sequence is evaluated lazily and can be ranged over repeatedly.
	EntriesForOwner(ctx context.Context, ownerID string) iter.Seq2[*Entry, error]

	// VerifyChain checks entries from..to inclusive (to < 0 means through
	// the tail) and returns a *ChainBrokenError on the first mismatch.
	// A failure halts further appends.
	VerifyChain(ctx context.Context, from, to int64) (*VerifyResult, error)

	// Verify checks the whole chain.
	Verify(ctx context.Context) (*VerifyResult, error)

	// Halted reports whether a verification failure has stopped appends.
	Halted() bool
}

// VerifyResult summarises a successful verification pass.
type VerifyResult struct {
	From    int64  `json:"from"`
	To      int64  `json:"to"`
	Checked int64  `json:"checked"`
	Root    string `json:"root"`
}

// verifier walks entries in nonce order and checks each one against its
// predecessor.
type verifier struct {
	expect  int64
	prev    *Entry
	checked int64
}

// newVerifier starts a walk at from. prev is the entry at from-1, or nil
// when from is 0.
func newVerifier(from int64, prev *Entry) *verifier {
	return &verifier{expect: from, prev: prev}
}

func (v *verifier) check(e *Entry) error {
	if e.Nonce != v.expect {
		return &ChainBrokenError{Nonce: v.expect, Reason: "entry missing"}
	}
	if !e.Kind.Valid() {
		return &ChainBrokenError{Nonce: e.Nonce, Reason: "unknown entry kind"}
	}
	if Hash(e.Payload) != e.PayloadHash {
		return &ChainBrokenError{Nonce: e.Nonce, Reason: "payload hash mismatch"}
	}
	if blockHash(e) != e.Hash {
		return &ChainBrokenError{Nonce: e.Nonce, Reason: "block hash mismatch"}
	}

	wantPrev := GenesisHash
	if e.Nonce > 0 {
		if v.prev == nil {
			return &ChainBrokenError{Nonce: e.Nonce - 1, Reason: "entry missing"}
		}
		wantPrev = v.prev.Hash
		if e.CreatedAt.Before(v.prev.CreatedAt) {
			return &ChainBrokenError{Nonce: e.Nonce, Reason: "timestamp precedes previous entry"}
		}
	}
	if e.PrevHash != wantPrev {
		return &ChainBrokenError{Nonce: e.Nonce, Reason: "previous block hash does not link"}
	}

	v.prev = e
	v.expect++
	v.checked++
	return nil
}

// finish reports a truncated range: entries up to to were expected.
func (v *verifier) finish(to int64) error {
	if v.expect <= to {
		return &ChainBrokenError{Nonce: v.expect, Reason: "entry missing"}
	}
	return nil
}

// clampRange normalises a requested verification range against the tail.
// ok is false when there is nothing to check.
func clampRange(from, to, tailNonce int64) (int64, int64, bool) {
	if from < 0 {
		from = 0
	}
	if to < 0 || to > tailNonce {
		to = tailNonce
	}
	return from, to, from <= to
}

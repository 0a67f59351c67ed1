package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []*Entry
	halt    haltSwitch
	now     func() time.Time
}

// New creates an empty MemoryLedger. The first append receives nonce 0.
func New() *MemoryLedger {
	return &MemoryLedger{now: func() time.Time { return time.Now().UTC() }}
}

// Append implements Ledger.
func (l *MemoryLedger) Append(ctx context.Context, ownerID string, payload Payload) (*Entry, error) {
	if ownerID == "" {
		return nil, errors.New("append: owner id is required")
	}
	kind, data, err := encode(payload)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// A verification that halts the chain while this append waits for the
	// lock must still stop it.
	if err := l.halt.check(); err != nil {
		return nil, err
	}

	entry := l.tailLocked().next(ownerID, kind, data, l.now())
	l.entries = append(l.entries, entry)
	return cloneEntry(entry), nil
}

func (l *MemoryLedger) tailLocked() tail {
	if len(l.entries) == 0 {
		return emptyTail
	}
	last := l.entries[len(l.entries)-1]
	return tail{nonce: last.Nonce, hash: last.Hash, at: last.CreatedAt}
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, nonce int64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if nonce < 0 || nonce >= int64(len(l.entries)) {
		return nil, fmt.Errorf("nonce %d: %w", nonce, ErrNotFound)
	}
	return cloneEntry(l.entries[nonce]), nil
}

// Len implements Ledger.
func (l *MemoryLedger) Len(_ context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.entries)), nil
}

// Root implements Ledger.
func (l *MemoryLedger) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tailLocked().hash, nil
}

// Entries implements Ledger.
func (l *MemoryLedger) Entries(_ context.Context, from int64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if from < 0 {
		from = 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Entry
	for i := from; i < int64(len(l.entries)) && len(out) < limit; i++ {
		out = append(out, cloneEntry(l.entries[i]))
	}
	return out, nil
}

// EntriesForOwner implements Ledger. Each range walks the chain as it stood
// when the range began.
func (l *MemoryLedger) EntriesForOwner(ctx context.Context, ownerID string) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		l.mu.RLock()
		n := len(l.entries)
		l.mu.RUnlock()

		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			l.mu.RLock()
			e := l.entries[i]
			l.mu.RUnlock()
			if e.OwnerID != ownerID {
				continue
			}
			if !yield(cloneEntry(e), nil) {
				return
			}
		}
	}
}

// VerifyChain implements Ledger.
func (l *MemoryLedger) VerifyChain(ctx context.Context, from, to int64) (*VerifyResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	root := l.tailLocked()
	from, to, ok := clampRange(from, to, root.nonce)
	if !ok {
		return &VerifyResult{From: from, To: to, Root: root.hash}, nil
	}

	var prev *Entry
	if from > 0 {
		prev = l.entries[from-1]
	}
	v := newVerifier(from, prev)
	for i := from; i <= to; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := v.check(l.entries[i]); err != nil {
			l.halt.trip(err)
			return nil, err
		}
	}
	if err := v.finish(to); err != nil {
		l.halt.trip(err)
		return nil, err
	}
	return &VerifyResult{From: from, To: to, Checked: v.checked, Root: root.hash}, nil
}

// Verify implements Ledger.
func (l *MemoryLedger) Verify(ctx context.Context) (*VerifyResult, error) {
	return l.VerifyChain(ctx, 0, -1)
}

// Halted implements Ledger.
func (l *MemoryLedger) Halted() bool {
	return l.halt.halted()
}

func cloneEntry(e *Entry) *Entry {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	return &cp
}

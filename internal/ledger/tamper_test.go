package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func appendRatings(t *testing.T, l *MemoryLedger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := l.Append(context.Background(), "u1", RatingGiven{RaterID: "u1", RatedUserID: "u2", Value: 1 + i%5}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestVerifyChain_detectsPayloadTamperAndHalts(t *testing.T) {
	ctx := context.Background()
	l := New()
	appendRatings(t, l, 3)

	l.entries[1].Payload = []byte(`{"rated_user_id":"u2","rater_id":"u1","value":5}`)

	_, err := l.VerifyChain(ctx, 0, 2)
	var broken *ChainBrokenError
	if !errors.As(err, &broken) {
		t.Fatalf("expected *ChainBrokenError, got %v", err)
	}
	if broken.Nonce != 1 {
		t.Errorf("failing nonce: got %d, want 1", broken.Nonce)
	}
	if !errors.Is(err, ErrChainBroken) {
		t.Error("errors.Is(err, ErrChainBroken) should hold")
	}
	if !l.Halted() {
		t.Fatal("ledger should be halted after a failed verification")
	}

	_, err = l.Append(ctx, "u1", RatingGiven{RaterID: "u1", RatedUserID: "u2", Value: 3})
	if !errors.Is(err, ErrLedgerHalted) {
		t.Errorf("expected ErrLedgerHalted, got %v", err)
	}
}

func TestVerifyChain_detectsBrokenLink(t *testing.T) {
	l := New()
	appendRatings(t, l, 4)

	// Rewrite entry 2 consistently with itself but point it at the wrong parent.
	e := l.entries[2]
	e.PrevHash = GenesisHash
	e.Hash = blockHash(e)

	_, err := l.Verify(context.Background())
	var broken *ChainBrokenError
	if !errors.As(err, &broken) || broken.Nonce != 2 {
		t.Fatalf("expected break at nonce 2, got %v", err)
	}
}

func TestVerifyChain_detectsKindRewrite(t *testing.T) {
	l := New()
	appendRatings(t, l, 2)
	l.entries[0].Kind = KindContractSigned

	_, err := l.Verify(context.Background())
	var broken *ChainBrokenError
	if !errors.As(err, &broken) || broken.Nonce != 0 {
		t.Fatalf("expected break at nonce 0, got %v", err)
	}
}

func TestVerifyChain_tamperOutsideRangeIsNotSeen(t *testing.T) {
	l := New()
	appendRatings(t, l, 4)
	l.entries[3].OwnerID = "mallory"

	if _, err := l.VerifyChain(context.Background(), 0, 2); err != nil {
		t.Fatalf("range 0..2 is intact: %v", err)
	}
	if l.Halted() {
		t.Error("ledger must not halt on a clean range")
	}
}

func TestTailNext_clampsClockSkew(t *testing.T) {
	l := New()
	appendRatings(t, l, 1)
	first := l.entries[0].CreatedAt
	l.now = func() time.Time { return first.Add(-time.Hour) }

	appendRatings(t, l, 1)
	if l.entries[1].CreatedAt.Before(first) {
		t.Errorf("createdAt moved backwards: %v < %v", l.entries[1].CreatedAt, first)
	}
	if _, err := l.Verify(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestAppend_waitingBehindFailedVerifyIsRefused(t *testing.T) {
	ctx := context.Background()
	l := New()
	appendRatings(t, l, 2)

	// Stand in for a VerifyChain pass that holds the read lock.
	l.mu.RLock()
	done := make(chan error, 1)
	go func() {
		_, err := l.Append(ctx, "u1", RatingGiven{RaterID: "u1", RatedUserID: "u2", Value: 3})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	l.halt.trip(&ChainBrokenError{Nonce: 1, Reason: "block hash mismatch"})
	l.mu.RUnlock()

	select {
	case err := <-done:
		if !errors.Is(err, ErrLedgerHalted) {
			t.Fatalf("expected ErrLedgerHalted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("append did not return")
	}
	if len(l.entries) != 2 {
		t.Errorf("broken chain was extended to %d entries", len(l.entries))
	}
}

package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agrimarket/agrimarket/internal/ledger"
	"github.com/agrimarket/agrimarket/internal/market/engine"
	"github.com/agrimarket/agrimarket/internal/market/model"
	"github.com/agrimarket/agrimarket/internal/market/repository"
	"go.uber.org/zap"
)

var errConnReset = errors.New("connection reset")

// flakyStore fails the next failSaves SaveTransition calls and the next
// failCreates CreateBid calls.
type flakyStore struct {
	*repository.MemoryStore
	mu          sync.Mutex
	failSaves   int
	failCreates int
}

func (s *flakyStore) SaveTransition(ctx context.Context, l *model.Listing, bids []*model.Bid) error {
	if s.take(&s.failSaves) {
		return errConnReset
	}
	return s.MemoryStore.SaveTransition(ctx, l, bids)
}

func (s *flakyStore) CreateBid(ctx context.Context, b *model.Bid) error {
	if s.take(&s.failCreates) {
		return errConnReset
	}
	return s.MemoryStore.CreateBid(ctx, b)
}

func (s *flakyStore) take(n *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *n == 0 {
		return false
	}
	*n--
	return true
}

func newFlakyFixture(t *testing.T) (*fixture, *flakyStore) {
	t.Helper()
	f := newFixture(t)
	fs := &flakyStore{MemoryStore: f.store}
	f.eng = engine.New(fs, f.led, engine.Config{BidTTL: 2 * time.Hour, LockTimeout: time.Second}, zap.NewNop())
	f.eng.SetClock(f.clock)
	return f, fs
}

func (f *fixture) assertSoldTo(t *testing.T, l *model.Listing, winner, loser *model.Bid) {
	t.Helper()
	stored, _ := f.store.GetListing(ctx, l.ID)
	if stored.Status != model.ListingSold {
		t.Errorf("listing = %s, want SOLD", stored.Status)
	}
	if b, _ := f.store.GetBid(ctx, winner.ID); b.Status != model.BidAccepted {
		t.Errorf("winning bid = %s, want ACCEPTED", b.Status)
	}
	if b, _ := f.store.GetBid(ctx, loser.ID); b.Status != model.BidRejected {
		t.Errorf("losing bid = %s, want REJECTED", b.Status)
	}
	if n := f.countKind(t, ledger.KindBidAccepted); n != 1 {
		t.Errorf("BID_ACCEPTED entries = %d, want 1", n)
	}
}

func TestAcceptBid_failedSaveKeepsFirstAcceptance(t *testing.T) {
	f, fs := newFlakyFixture(t)
	l := f.listing(t, "")
	b1 := f.bid(t, l, "b1", "120")
	b2 := f.bid(t, l, "b2", "130")

	fs.failSaves = 1
	if _, err := f.eng.AcceptBid(ctx, "farmer", l.ID, b1.ID); !errors.Is(err, errConnReset) {
		t.Fatalf("expected save error, got %v", err)
	}

	_, err := f.eng.AcceptBid(ctx, "farmer", l.ID, b2.ID)
	if !errors.Is(err, engine.ErrAlreadyAccepted) {
		t.Fatalf("second accept: expected ErrAlreadyAccepted, got %v", err)
	}
	f.assertSoldTo(t, l, b1, b2)
	if _, err := f.led.Verify(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestAcceptBid_refusedWhileRecordedStateUnsaved(t *testing.T) {
	f, fs := newFlakyFixture(t)
	l := f.listing(t, "")
	b1 := f.bid(t, l, "b1", "120")
	b2 := f.bid(t, l, "b2", "130")

	fs.failSaves = 2
	if _, err := f.eng.AcceptBid(ctx, "farmer", l.ID, b1.ID); err == nil {
		t.Fatal("expected save error")
	}
	lenBefore, _ := f.led.Len(ctx)

	_, err := f.eng.AcceptBid(ctx, "farmer", l.ID, b2.ID)
	if !errors.Is(err, engine.ErrUnsaved) {
		t.Fatalf("expected ErrUnsaved while the store is down, got %v", err)
	}
	if _, err := f.eng.PlaceBid(ctx, l.ID, "b3", dec("140"), dec("1")); !errors.Is(err, engine.ErrAlreadyAccepted) {
		t.Fatalf("bid after recovery: expected ErrAlreadyAccepted, got %v", err)
	}
	if n, _ := f.led.Len(ctx); n != lenBefore {
		t.Errorf("ledger grew by %d while state was unsaved", n-lenBefore)
	}
	f.assertSoldTo(t, l, b1, b2)
}

func TestAcceptBid_restoresAcceptanceFromLedgerAfterRestart(t *testing.T) {
	f, fs := newFlakyFixture(t)
	l := f.listing(t, "")
	b1 := f.bid(t, l, "b1", "120")
	b2 := f.bid(t, l, "b2", "130")

	fs.failSaves = 1
	if _, err := f.eng.AcceptBid(ctx, "farmer", l.ID, b1.ID); err == nil {
		t.Fatal("expected save error")
	}

	restarted := engine.New(f.store, f.led, engine.Config{}, zap.NewNop())
	restarted.SetClock(f.clock)

	_, err := restarted.AcceptBid(ctx, "farmer", l.ID, b2.ID)
	if !errors.Is(err, engine.ErrAlreadyAccepted) {
		t.Fatalf("expected ErrAlreadyAccepted after restart, got %v", err)
	}
	f.assertSoldTo(t, l, b1, b2)
}

func TestCancelListing_restoredAfterRestartBlocksBids(t *testing.T) {
	f, fs := newFlakyFixture(t)
	l := f.listing(t, "")
	b1 := f.bid(t, l, "b1", "120")

	fs.failSaves = 1
	if _, err := f.eng.CancelListing(ctx, l.ID, "farmer"); err == nil {
		t.Fatal("expected save error")
	}

	restarted := engine.New(f.store, f.led, engine.Config{}, zap.NewNop())
	restarted.SetClock(f.clock)

	if _, err := restarted.PlaceBid(ctx, l.ID, "b2", dec("150"), dec("1")); !errors.Is(err, engine.ErrListingInactive) {
		t.Fatalf("expected ErrListingInactive, got %v", err)
	}
	stored, _ := f.store.GetListing(ctx, l.ID)
	if stored.Status != model.ListingCancelled {
		t.Errorf("listing = %s, want CANCELLED", stored.Status)
	}
	if b, _ := f.store.GetBid(ctx, b1.ID); b.Status != model.BidRejected {
		t.Errorf("bid = %s, want REJECTED", b.Status)
	}
}

func TestPlaceBid_failedCreateIsSavedBeforeNextTransition(t *testing.T) {
	f, fs := newFlakyFixture(t)
	l := f.listing(t, "")

	fs.failCreates = 1
	if _, err := f.eng.PlaceBid(ctx, l.ID, "b1", dec("120"), dec("1")); !errors.Is(err, errConnReset) {
		t.Fatalf("expected create error, got %v", err)
	}
	if bids, _ := f.store.ListBidsByListing(ctx, l.ID); len(bids) != 0 {
		t.Fatalf("expected no stored bids yet, got %d", len(bids))
	}

	if _, err := f.eng.PlaceBid(ctx, l.ID, "b2", dec("130"), dec("1")); err != nil {
		t.Fatal(err)
	}
	bids, _ := f.store.ListBidsByListing(ctx, l.ID)
	if len(bids) != 2 || bids[0].BuyerID != "b1" {
		t.Errorf("expected the recorded bid to be saved first, got %d bids", len(bids))
	}
	if n := f.countKind(t, ledger.KindBidPlaced); n != 2 {
		t.Errorf("BID_PLACED entries = %d, want 2", n)
	}
}

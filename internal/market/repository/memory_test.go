package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agrimarket/agrimarket/internal/market/model"
	"github.com/agrimarket/agrimarket/internal/market/repository"
	"github.com/agrimarket/agrimarket/internal/trust"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ctx = context.Background()
	t0  = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
)

func listing(farmer string, created time.Time, status model.ListingStatus) *model.Listing {
	return &model.Listing{
		ID:            uuid.New(),
		FarmerID:      farmer,
		Crop:          "maize",
		Quantity:      decimal.NewFromInt(10),
		Status:        status,
		ExpectedPrice: decimal.NewFromInt(100),
		ExpiresAt:     created.Add(24 * time.Hour),
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestMemoryStore_readsAreCopies(t *testing.T) {
	s := repository.NewMemoryStore()
	l := listing("f1", t0, model.ListingActive)
	if err := s.CreateListing(ctx, l); err != nil {
		t.Fatal(err)
	}
	l.Status = model.ListingSold

	got, err := s.GetListing(ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.ListingActive {
		t.Errorf("caller mutation leaked into store: %s", got.Status)
	}
	got.Status = model.ListingExpired
	again, _ := s.GetListing(ctx, l.ID)
	if again.Status != model.ListingActive {
		t.Errorf("result mutation leaked into store: %s", again.Status)
	}
}

func TestMemoryStore_notFound(t *testing.T) {
	s := repository.NewMemoryStore()
	if _, err := s.GetListing(ctx, uuid.New()); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("GetListing: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetBid(ctx, uuid.New()); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("GetBid: expected ErrNotFound, got %v", err)
	}
	if err := s.CreateBid(ctx, &model.Bid{ID: uuid.New(), ListingID: uuid.New()}); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("CreateBid on missing listing: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListListings_filterAndPage(t *testing.T) {
	s := repository.NewMemoryStore()
	for i := 0; i < 5; i++ {
		_ = s.CreateListing(ctx, listing("f1", t0.Add(time.Duration(i)*time.Minute), model.ListingActive))
	}
	_ = s.CreateListing(ctx, listing("f2", t0, model.ListingSold))

	page, total, err := s.ListListings(ctx, model.ListingFilter{Status: model.ListingActive, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if !page[0].CreatedAt.Equal(t0.Add(3 * time.Minute)) {
		t.Errorf("expected newest-first ordering, got %v", page[0].CreatedAt)
	}

	_, total, _ = s.ListListings(ctx, model.ListingFilter{FarmerID: "f2"})
	if total != 1 {
		t.Errorf("farmer filter total = %d, want 1", total)
	}
}

func TestMemoryStore_ListStaleListingIDs(t *testing.T) {
	s := repository.NewMemoryStore()
	now := t0.Add(48 * time.Hour)

	expired := listing("f1", t0, model.ListingActive)
	fresh := listing("f1", now, model.ListingActive)
	withStaleBid := listing("f1", now, model.ListingActive)
	for _, l := range []*model.Listing{expired, fresh, withStaleBid} {
		_ = s.CreateListing(ctx, l)
	}
	_ = s.CreateBid(ctx, &model.Bid{
		ID: uuid.New(), ListingID: withStaleBid.ID, Status: model.BidPending, ExpiresAt: now,
	})

	ids, err := s.ListStaleListingIDs(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	got := map[uuid.UUID]bool{}
	for _, id := range ids {
		got[id] = true
	}
	if len(ids) != 2 || !got[expired.ID] || !got[withStaleBid.ID] {
		t.Errorf("unexpected stale ids %v", ids)
	}
}

func TestMemoryStore_SaveTransitionIsAllOrNothing(t *testing.T) {
	s := repository.NewMemoryStore()
	l := listing("f1", t0, model.ListingActive)
	_ = s.CreateListing(ctx, l)

	l.Status = model.ListingSold
	err := s.SaveTransition(ctx, l, []*model.Bid{{ID: uuid.New(), ListingID: l.ID}})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	got, _ := s.GetListing(ctx, l.ID)
	if got.Status != model.ListingActive {
		t.Error("listing was saved despite failed transition")
	}
}

func TestMemoryStore_trustScoreDefaultsToZero(t *testing.T) {
	s := repository.NewMemoryStore()
	st, err := s.GetTrustScore(ctx, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if st != (trust.State{}) {
		t.Errorf("expected zero state, got %+v", st)
	}
	want := trust.State{TotalRatings: 1, RatingSum: 4, AvgRating: 4}
	_ = s.SaveTrustScore(ctx, "u", want)
	if got, _ := s.GetTrustScore(ctx, "u"); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

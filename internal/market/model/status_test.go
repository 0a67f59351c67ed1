package model_test

import (
	"errors"
	"testing"
	"time"

	"github.com/agrimarket/agrimarket/internal/market/model"
	"github.com/shopspring/decimal"
)

func TestListingStatus_CanTransition(t *testing.T) {
	all := []model.ListingStatus{model.ListingActive, model.ListingSold, model.ListingExpired, model.ListingCancelled}
	allowed := map[[2]model.ListingStatus]bool{
		{model.ListingActive, model.ListingSold}:      true,
		{model.ListingActive, model.ListingExpired}:   true,
		{model.ListingActive, model.ListingCancelled}: true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]model.ListingStatus{from, to}]
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
		if from.Terminal() != (from != model.ListingActive) {
			t.Errorf("%s: Terminal() = %v", from, from.Terminal())
		}
	}
	if model.ListingStatus("ARCHIVED").CanTransition(model.ListingActive) {
		t.Error("unknown status must not transition")
	}
}

func TestBidStatus_CanTransition(t *testing.T) {
	all := []model.BidStatus{model.BidPending, model.BidAccepted, model.BidRejected, model.BidExpired}
	for _, from := range all {
		for _, to := range all {
			want := from == model.BidPending && to != model.BidPending
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestBid_LiveAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := &model.Bid{Status: model.BidPending, ExpiresAt: now}
	if b.LiveAt(now) {
		t.Error("bid must not be live at its expiry instant")
	}
	if !b.LiveAt(now.Add(-time.Nanosecond)) {
		t.Error("bid should be live just before expiry")
	}
	b.Status = model.BidRejected
	if b.LiveAt(now.Add(-time.Hour)) {
		t.Error("rejected bid is never live")
	}
}

func TestNewListing_Validate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	price := decimal.NewFromInt(100)
	tooHigh := decimal.NewFromInt(150)

	valid := func() model.NewListing {
		return model.NewListing{
			FarmerID:      "farmer-1",
			Crop:          "maize",
			Quantity:      decimal.NewFromInt(20),
			Unit:          "kg",
			ExpectedPrice: price,
			ExpiresAt:     now.Add(24 * time.Hour),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*model.NewListing)
		wantErr bool
	}{
		{"valid", func(*model.NewListing) {}, false},
		{"missing farmer", func(n *model.NewListing) { n.FarmerID = " " }, true},
		{"missing crop", func(n *model.NewListing) { n.Crop = "" }, true},
		{"zero price", func(n *model.NewListing) { n.ExpectedPrice = decimal.Zero }, true},
		{"floor above price", func(n *model.NewListing) { n.MinPrice = &tooHigh }, true},
		{"floor equal price", func(n *model.NewListing) { n.MinPrice = &price }, false},
		{"expires now", func(n *model.NewListing) { n.ExpiresAt = now }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := valid()
			tt.mutate(&n)
			err := n.Validate(now)
			var valErr *model.ErrValidation
			if tt.wantErr != errors.As(err, &valErr) {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestListing_CloneIsDeep(t *testing.T) {
	floor := decimal.NewFromInt(5)
	l := &model.Listing{MinPrice: &floor}
	cp := l.Clone()
	*cp.MinPrice = decimal.NewFromInt(9)
	if !l.MinPrice.Equal(decimal.NewFromInt(5)) {
		t.Error("Clone shares MinPrice with the original")
	}
}

package engine

import (
	"context"
	"time"

	"github.com/agrimarket/agrimarket/internal/ledger"
	"github.com/agrimarket/agrimarket/internal/market/model"
	"github.com/google/uuid"
)

// Store is the persistence the engine requires.
// *repository.MemoryStore and *repository.PostgresStore satisfy it.
type Store interface {
	CreateListing(ctx context.Context, l *model.Listing) error
	GetListing(ctx context.Context, id uuid.UUID) (*model.Listing, error)
	SaveListing(ctx context.Context, l *model.Listing) error
	ListListings(ctx context.Context, f model.ListingFilter) ([]*model.Listing, int, error)

	CreateBid(ctx context.Context, b *model.Bid) error
	GetBid(ctx context.Context, id uuid.UUID) (*model.Bid, error)
	ListBidsByListing(ctx context.Context, listingID uuid.UUID) ([]*model.Bid, error)

	// SaveTransition persists a listing and any of its bids in one unit.
	SaveTransition(ctx context.Context, l *model.Listing, bids []*model.Bid) error

	// ListStaleListingIDs returns listings that are ACTIVE with
	// expires_at <= now, or that hold a PENDING bid with expires_at <= now.
	ListStaleListingIDs(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// Recorder appends domain events to the ledger. ledger.Ledger satisfies it.
type Recorder interface {
	Append(ctx context.Context, ownerID string, p ledger.Payload) (*ledger.Entry, error)
}

package repository

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/agrimarket/agrimarket/internal/market/model"
	"github.com/agrimarket/agrimarket/internal/trust"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a listing or bid does not exist.
var ErrNotFound = errors.New("record not found")

// MemoryStore keeps listings, bids and trust scores in process memory.
// Every read returns a copy, so callers may mutate results freely.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[uuid.UUID]*model.Listing
	bids     map[uuid.UUID]*model.Bid
	byList   map[uuid.UUID][]uuid.UUID
	trust    map[string]trust.State
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[uuid.UUID]*model.Listing),
		bids:     make(map[uuid.UUID]*model.Bid),
		byList:   make(map[uuid.UUID][]uuid.UUID),
		trust:    make(map[string]trust.State),
	}
}

// CreateListing stores a new listing.
func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[l.ID]; ok {
		return errors.New("listing already exists")
	}
	s.listings[l.ID] = l.Clone()
	return nil
}

// GetListing returns a listing by id.
func (s *MemoryStore) GetListing(_ context.Context, id uuid.UUID) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return l.Clone(), nil
}

// SaveListing overwrites an existing listing.
func (s *MemoryStore) SaveListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[l.ID]; !ok {
		return ErrNotFound
	}
	s.listings[l.ID] = l.Clone()
	return nil
}

// ListListings returns listings matching f, newest first, and the total
// number of matches before paging.
func (s *MemoryStore) ListListings(_ context.Context, f model.ListingFilter) ([]*model.Listing, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*model.Listing
	for _, l := range s.listings {
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if f.FarmerID != "" && l.FarmerID != f.FarmerID {
			continue
		}
		if f.Crop != "" && !strings.EqualFold(l.Crop, f.Crop) {
			continue
		}
		matched = append(matched, l)
	}
	slices.SortFunc(matched, func(a, b *model.Listing) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})

	total := len(matched)
	start := min(max(f.Offset, 0), total)
	end := total
	if f.Limit > 0 {
		end = min(start+f.Limit, total)
	}
	out := make([]*model.Listing, 0, end-start)
	for _, l := range matched[start:end] {
		out = append(out, l.Clone())
	}
	return out, total, nil
}

// CreateBid stores a new bid against an existing listing.
func (s *MemoryStore) CreateBid(_ context.Context, b *model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[b.ListingID]; !ok {
		return ErrNotFound
	}
	s.bids[b.ID] = b.Clone()
	s.byList[b.ListingID] = append(s.byList[b.ListingID], b.ID)
	return nil
}

// GetBid returns a bid by id.
func (s *MemoryStore) GetBid(_ context.Context, id uuid.UUID) (*model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bids[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

// ListBidsByListing returns the bids on a listing in placement order.
func (s *MemoryStore) ListBidsByListing(_ context.Context, listingID uuid.UUID) ([]*model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byList[listingID]
	out := make([]*model.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.bids[id].Clone())
	}
	return out, nil
}

// SaveTransition writes l and bids under one lock acquisition.
func (s *MemoryStore) SaveTransition(_ context.Context, l *model.Listing, bids []*model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[l.ID]; !ok {
		return ErrNotFound
	}
	for _, b := range bids {
		if _, ok := s.bids[b.ID]; !ok || b.ListingID != l.ID {
			return ErrNotFound
		}
	}
	s.listings[l.ID] = l.Clone()
	for _, b := range bids {
		s.bids[b.ID] = b.Clone()
	}
	return nil
}

// ListStaleListingIDs returns listings needing expiry at now.
func (s *MemoryStore) ListStaleListingIDs(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []uuid.UUID
	for id, l := range s.listings {
		if l.Status == model.ListingActive && !now.Before(l.ExpiresAt) {
			out = append(out, id)
			continue
		}
		for _, bid := range s.byList[id] {
			b := s.bids[bid]
			if b.Status == model.BidPending && !now.Before(b.ExpiresAt) {
				out = append(out, id)
				break
			}
		}
	}
	slices.SortFunc(out, func(a, b uuid.UUID) int { return strings.Compare(a.String(), b.String()) })
	return out, nil
}

// GetTrustScore returns the stored score for a user, or the zero State.
func (s *MemoryStore) GetTrustScore(_ context.Context, userID string) (trust.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trust[userID], nil
}

// SaveTrustScore overwrites the stored score for a user.
func (s *MemoryStore) SaveTrustScore(_ context.Context, userID string, st trust.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trust[userID] = st
	return nil
}

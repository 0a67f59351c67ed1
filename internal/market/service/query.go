package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/agrimarket/agrimarket/internal/ledger"
	"github.com/agrimarket/agrimarket/internal/market/engine"
	"github.com/agrimarket/agrimarket/internal/market/model"
	"github.com/agrimarket/agrimarket/internal/market/repository"
	"github.com/agrimarket/agrimarket/internal/trust"
	"github.com/google/uuid"
)

// LedgerOverview summarises the chain for the public audit endpoint.
type LedgerOverview struct {
	Length  int64           `json:"length"`
	Root    string          `json:"root"`
	Halted  bool            `json:"halted"`
	Entries []*ledger.Entry `json:"entries"`
}

// GetListing returns a listing with all of its bids.
func (s *MarketplaceCore) GetListing(ctx context.Context, id uuid.UUID) (*model.ListingDetail, error) {
	l, err := s.loadListing(ctx, id)
	if err != nil {
		return nil, s.fail("get listing", err)
	}
	bids, err := s.store.ListBidsByListing(ctx, id)
	if err != nil {
		return nil, s.fail("get listing", err)
	}
	if bids == nil {
		bids = []*model.Bid{}
	}
	return &model.ListingDetail{Listing: l, Bids: bids}, nil
}

// ListListings returns a page of listings and the total match count.
func (s *MarketplaceCore) ListListings(ctx context.Context, f model.ListingFilter) ([]*model.Listing, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, s.fail("list listings", &model.ErrValidation{Msg: "unknown status " + string(f.Status)})
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	out, total, err := s.store.ListListings(ctx, f)
	if err != nil {
		return nil, 0, s.fail("list listings", err)
	}
	if out == nil {
		out = []*model.Listing{}
	}
	return out, total, nil
}

// GetBid returns a single bid.
func (s *MarketplaceCore) GetBid(ctx context.Context, id uuid.UUID) (*model.Bid, error) {
	b, err := s.store.GetBid(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, s.fail("get bid", fmt.Errorf("bid %s: %w", id, engine.ErrNotFound))
	}
	if err != nil {
		return nil, s.fail("get bid", err)
	}
	return b, nil
}

// TrustScore returns the stored trust score of a user. Users nobody has
// rated have the zero score.
func (s *MarketplaceCore) TrustScore(ctx context.Context, userID string) (trust.State, error) {
	st, err := s.store.GetTrustScore(ctx, userID)
	if err != nil {
		return trust.State{}, s.fail("trust score", err)
	}
	return st, nil
}

// LedgerForUser returns up to limit entries produced by userID, oldest first.
func (s *MarketplaceCore) LedgerForUser(ctx context.Context, userID string, limit int) ([]*ledger.Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out := make([]*ledger.Entry, 0)
	for e, err := range s.ledger.EntriesForOwner(ctx, userID) {
		if err != nil {
			return nil, s.fail("ledger for user", err)
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// LedgerEntry returns the entry at nonce.
func (s *MarketplaceCore) LedgerEntry(ctx context.Context, nonce int64) (*ledger.Entry, error) {
	e, err := s.ledger.Get(ctx, nonce)
	if err != nil {
		return nil, s.fail("ledger entry", err)
	}
	return e, nil
}

// LedgerOverview returns the chain length, root and a page of entries
// starting at from.
func (s *MarketplaceCore) LedgerOverview(ctx context.Context, from int64, limit int) (*LedgerOverview, error) {
	n, err := s.ledger.Len(ctx)
	if err != nil {
		return nil, s.fail("ledger overview", err)
	}
	root, err := s.ledger.Root(ctx)
	if err != nil {
		return nil, s.fail("ledger overview", err)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	entries, err := s.ledger.Entries(ctx, from, limit)
	if err != nil {
		return nil, s.fail("ledger overview", err)
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	return &LedgerOverview{Length: n, Root: root, Halted: s.ledger.Halted(), Entries: entries}, nil
}

// VerifyLedger checks entries from..to inclusive; to < 0 means through the
// tail. A failure is returned as CodeLedgerIntegrity and wraps the
// *ledger.ChainBrokenError for administrative callers.
func (s *MarketplaceCore) VerifyLedger(ctx context.Context, from, to int64) (*ledger.VerifyResult, error) {
	res, err := s.ledger.VerifyChain(ctx, from, to)
	if err != nil {
		return nil, s.fail("verify ledger", err)
	}
	return res, nil
}

func (s *MarketplaceCore) loadListing(ctx context.Context, id uuid.UUID) (*model.Listing, error) {
	l, err := s.store.GetListing(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("listing %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

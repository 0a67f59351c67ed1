package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/agrimarket/agrimarket/internal/ledger"
	"github.com/agrimarket/agrimarket/internal/market/model"
	"github.com/agrimarket/agrimarket/internal/market/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnsaved is returned when a listing holds a transition the ledger
// recorded but the store has not yet persisted. No further transition runs
// on the listing until that state is saved.
var ErrUnsaved = errors.New("recorded transition not yet saved")

// unsavedState is state the ledger committed but the store rejected. It is
// replayed before the next transition on the listing.
type unsavedState struct {
	listing *model.Listing // nil when only new bids are outstanding
	created []*model.Bid
	changed []*model.Bid
	nonce   int64
}

// ownerLog is implemented by ledgers that can replay an owner's entries.
// Both ledger implementations satisfy it.
type ownerLog interface {
	EntriesForOwner(ctx context.Context, ownerID string) iter.Seq2[*ledger.Entry, error]
}

// remember keeps u until a later flushUnsaved persists it. The caller holds
// the listing lock.
func (e *Engine) remember(id uuid.UUID, u *unsavedState) {
	e.mu.Lock()
	e.unsaved[id] = u
	e.mu.Unlock()
	e.logger.Error("ledger entry recorded but state not saved",
		zap.String("listing_id", id.String()),
		zap.Int64("nonce", u.nonce),
	)
}

// flushUnsaved persists any remembered state for the listing. It runs with
// the listing lock held.
func (e *Engine) flushUnsaved(ctx context.Context, id uuid.UUID) error {
	e.mu.Lock()
	u := e.unsaved[id]
	e.mu.Unlock()
	if u == nil {
		return nil
	}

	if err := e.persist(ctx, u); err != nil {
		return fmt.Errorf("listing %s nonce %d: %w: %w", id, u.nonce, ErrUnsaved, err)
	}

	e.mu.Lock()
	delete(e.unsaved, id)
	e.mu.Unlock()
	e.logger.Info("recorded transition saved",
		zap.String("listing_id", id.String()),
		zap.Int64("nonce", u.nonce),
	)
	return nil
}

func (e *Engine) persist(ctx context.Context, u *unsavedState) error {
	for _, b := range u.created {
		_, err := e.store.GetBid(ctx, b.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("get bid: %w", err)
		}
		if err := e.store.CreateBid(ctx, b); err != nil {
			return fmt.Errorf("create bid: %w", err)
		}
	}
	if u.listing == nil {
		return nil
	}
	if err := e.store.SaveTransition(ctx, u.listing, u.changed); err != nil {
		return fmt.Errorf("save transition: %w", err)
	}
	return nil
}

// loadCurrent loads a listing for a transition. The first time an ACTIVE
// listing is seen, the farmer's ledger entries are checked for an
// acceptance or cancellation the store never saw, and that outcome is
// restored before the listing is returned.
func (e *Engine) loadCurrent(ctx context.Context, id uuid.UUID) (*model.Listing, error) {
	l, err := e.loadListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.Status != model.ListingActive {
		e.forgetChecked(id)
		return l, nil
	}

	e.mu.Lock()
	done := e.checked[id]
	e.mu.Unlock()
	if done {
		return l, nil
	}

	entry, p, err := e.recordedOutcome(ctx, l)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		if err := e.restoreOutcome(ctx, l, entry, p); err != nil {
			return nil, err
		}
		return l, nil
	}

	e.mu.Lock()
	e.checked[id] = true
	e.mu.Unlock()
	return l, nil
}

func (e *Engine) forgetChecked(id uuid.UUID) {
	e.mu.Lock()
	delete(e.checked, id)
	e.mu.Unlock()
}

// recordedOutcome returns the BID_ACCEPTED or LISTING_CANCELLED entry for l,
// if the ledger holds one.
func (e *Engine) recordedOutcome(ctx context.Context, l *model.Listing) (*ledger.Entry, ledger.Payload, error) {
	log, ok := e.rec.(ownerLog)
	if !ok {
		return nil, nil, nil
	}
	for entry, err := range log.EntriesForOwner(ctx, l.FarmerID) {
		if err != nil {
			return nil, nil, fmt.Errorf("scan ledger: %w", err)
		}
		if entry.Kind != ledger.KindBidAccepted && entry.Kind != ledger.KindListingCancelled {
			continue
		}
		p, err := ledger.DecodePayload(entry)
		if err != nil {
			return nil, nil, err
		}
		switch v := p.(type) {
		case *ledger.BidAccepted:
			if v.ListingID == l.ID {
				return entry, v, nil
			}
		case *ledger.ListingCancelled:
			if v.ListingID == l.ID {
				return entry, v, nil
			}
		}
	}
	return nil, nil, nil
}

// restoreOutcome applies a recorded acceptance or cancellation to l and its
// bids and saves them. l is updated in place.
func (e *Engine) restoreOutcome(ctx context.Context, l *model.Listing, entry *ledger.Entry, p ledger.Payload) error {
	bids, err := e.store.ListBidsByListing(ctx, l.ID)
	if err != nil {
		return fmt.Errorf("list bids: %w", err)
	}

	var (
		status   model.ListingStatus
		acceptID uuid.UUID
		rejected []uuid.UUID
	)
	switch v := p.(type) {
	case *ledger.BidAccepted:
		status, acceptID, rejected = model.ListingSold, v.BidID, v.RejectedBidIDs
	case *ledger.ListingCancelled:
		status, rejected = model.ListingCancelled, v.RejectedBidIDs
	default:
		return fmt.Errorf("restore listing %s: unexpected %s entry", l.ID, entry.Kind)
	}

	now := e.now()
	var changed []*model.Bid
	for _, b := range bids {
		switch {
		case b.ID == acceptID:
			b.Status = model.BidAccepted
		case slices.Contains(rejected, b.ID):
			b.Status = model.BidRejected
		default:
			continue
		}
		b.UpdatedAt = now
		changed = append(changed, b)
	}
	l.Status = status
	l.UpdatedAt = now

	if err := e.store.SaveTransition(ctx, l, changed); err != nil {
		e.remember(l.ID, &unsavedState{listing: l, changed: changed, nonce: entry.Nonce})
		return fmt.Errorf("restore listing %s: %w", l.ID, err)
	}
	e.forgetChecked(l.ID)
	e.logger.Warn("listing state restored from ledger",
		zap.String("listing_id", l.ID.String()),
		zap.String("status", string(status)),
		zap.Int64("nonce", entry.Nonce),
	)
	return nil
}

// Package engine implements the listing and bid state machine.
//
// Every transition on a listing, and on the bids placed against it, runs
// under that listing's lock. Inside the lock the engine validates the
// transition, appends the ledger entry describing it and then persists the
// new state. The ledger append is the commit point: of two competing
// transitions the first to append wins, and the loser observes the winner's
// state once it acquires the lock. When the store rejects state the ledger
// already holds, the engine keeps it and saves it before any other
// transition on that listing runs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agrimarket/agrimarket/internal/keylock"
	"github.com/agrimarket/agrimarket/internal/ledger"
	"github.com/agrimarket/agrimarket/internal/market/model"
	"github.com/agrimarket/agrimarket/internal/market/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SystemOwner is the ledger owner of transitions no user initiated.
const SystemOwner = "system"

// Config holds engine tunables.
type Config struct {
	// BidTTL bounds how long a bid stays PENDING. A bid never outlives its
	// listing.
	BidTTL time.Duration
	// LockTimeout bounds the wait for a listing lock.
	LockTimeout time.Duration
}

// DefaultConfig returns the settings marketd uses when none are configured.
func DefaultConfig() Config {
	return Config{BidTTL: 48 * time.Hour, LockTimeout: 5 * time.Second}
}

// Engine drives listing and bid transitions.
type Engine struct {
	store  Store
	rec    Recorder
	logger *zap.Logger
	cfg    Config
	locks  *keylock.Map
	now    func() time.Time

	mu      sync.Mutex
	unsaved map[uuid.UUID]*unsavedState
	checked map[uuid.UUID]bool
}

// New creates an Engine.
func New(store Store, rec Recorder, cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.BidTTL <= 0 {
		cfg.BidTTL = def.BidTTL
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	return &Engine{
		store:   store,
		rec:     rec,
		logger:  logger,
		cfg:     cfg,
		locks:   keylock.New(),
		now:     func() time.Time { return time.Now().UTC() },
		unsaved: make(map[uuid.UUID]*unsavedState),
		checked: make(map[uuid.UUID]bool),
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Acceptance is the result of a successful AcceptBid.
type Acceptance struct {
	Listing  *model.Listing `json:"listing"`
	Accepted *model.Bid     `json:"accepted_bid"`
	Rejected []*model.Bid   `json:"rejected_bids"`
	Entry    *ledger.Entry  `json:"ledger_entry"`
}

// Transition describes one status change made by ExpireStale.
type Transition struct {
	Entity    string    `json:"entity"` // "listing" or "bid"
	ID        uuid.UUID `json:"id"`
	ListingID uuid.UUID `json:"listing_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Nonce     int64     `json:"nonce"`
}

// Kind returns the kind of the ledger entry that recorded t.
func (t Transition) Kind() ledger.Kind {
	if t.Entity == "bid" {
		return ledger.KindBidExpired
	}
	return ledger.KindListingExpired
}

// CreateListing validates in and records a new ACTIVE listing.
func (e *Engine) CreateListing(ctx context.Context, in model.NewListing) (*model.Listing, error) {
	now := e.now()
	if err := in.Validate(now); err != nil {
		return nil, err
	}

	l := &model.Listing{
		ID:             uuid.New(),
		FarmerID:       in.FarmerID,
		Crop:           in.Crop,
		Quantity:       in.Quantity,
		Unit:           in.Unit,
		Status:         model.ListingActive,
		ExpectedPrice:  in.ExpectedPrice,
		MinPrice:       in.MinPrice,
		SuggestedPrice: in.SuggestedPrice,
		ExpiresAt:      in.ExpiresAt.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if _, err := e.rec.Append(ctx, l.FarmerID, ledger.ListingCreated{
		ListingID:     l.ID,
		FarmerID:      l.FarmerID,
		Crop:          l.Crop,
		Quantity:      l.Quantity,
		Unit:          l.Unit,
		ExpectedPrice: l.ExpectedPrice,
		MinPrice:      l.MinPrice,
		ExpiresAt:     l.ExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("record listing: %w", err)
	}
	if err := e.store.CreateListing(ctx, l); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}
	e.mu.Lock()
	e.checked[l.ID] = true
	e.mu.Unlock()

	e.logger.Info("listing created",
		zap.String("listing_id", l.ID.String()),
		zap.String("farmer_id", l.FarmerID),
		zap.String("crop", l.Crop),
	)
	return l, nil
}

// PlaceBid records a PENDING bid on an ACTIVE listing.
func (e *Engine) PlaceBid(ctx context.Context, listingID uuid.UUID, buyerID string, amount, quantity decimal.Decimal) (*model.Bid, error) {
	switch {
	case buyerID == "":
		return nil, &model.ErrValidation{Msg: "buyer_id is required"}
	case !amount.IsPositive():
		return nil, &model.ErrValidation{Msg: "amount must be positive"}
	case !quantity.IsPositive():
		return nil, &model.ErrValidation{Msg: "quantity must be positive"}
	}

	var bid *model.Bid
	err := e.withListing(ctx, listingID, func() error {
		l, err := e.loadCurrent(ctx, listingID)
		if err != nil {
			return err
		}
		now := e.now()

		if l.FarmerID == buyerID {
			return fmt.Errorf("%w: cannot bid on own listing", ErrForbidden)
		}
		if !l.AcceptsBidsAt(now) {
			return listingStateErr(l)
		}
		if l.MinPrice != nil && amount.LessThan(*l.MinPrice) {
			return fmt.Errorf("%w: %s < %s", ErrBelowFloor, amount, l.MinPrice)
		}
		if l.Quantity.IsPositive() && quantity.GreaterThan(l.Quantity) {
			return &model.ErrValidation{Msg: fmt.Sprintf("quantity %s exceeds listed %s", quantity, l.Quantity)}
		}

		expires := now.Add(e.cfg.BidTTL)
		if l.ExpiresAt.Before(expires) {
			expires = l.ExpiresAt
		}
		b := &model.Bid{
			ID:        uuid.New(),
			ListingID: l.ID,
			BuyerID:   buyerID,
			Amount:    amount,
			Quantity:  quantity,
			Status:    model.BidPending,
			ExpiresAt: expires,
			CreatedAt: now,
			UpdatedAt: now,
		}

		entry, err := e.rec.Append(ctx, buyerID, ledger.BidPlaced{
			ListingID: b.ListingID,
			BidID:     b.ID,
			BuyerID:   b.BuyerID,
			Amount:    b.Amount,
			Quantity:  b.Quantity,
			ExpiresAt: b.ExpiresAt,
		})
		if err != nil {
			return fmt.Errorf("record bid: %w", err)
		}
		if err := e.store.CreateBid(ctx, b); err != nil {
			e.remember(l.ID, &unsavedState{created: []*model.Bid{b}, nonce: entry.Nonce})
			return fmt.Errorf("create bid: %w", err)
		}
		bid = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("bid placed",
		zap.String("listing_id", listingID.String()),
		zap.String("bid_id", bid.ID.String()),
		zap.String("buyer_id", buyerID),
		zap.String("amount", amount.String()),
	)
	return bid, nil
}

// AcceptBid accepts bidID, rejects every other PENDING bid on the listing
// and marks the listing SOLD, recorded as one BID_ACCEPTED entry.
func (e *Engine) AcceptBid(ctx context.Context, farmerID string, listingID, bidID uuid.UUID) (*Acceptance, error) {
	var acc *Acceptance
	err := e.withListing(ctx, listingID, func() error {
		l, err := e.loadCurrent(ctx, listingID)
		if err != nil {
			return err
		}
		if l.FarmerID != farmerID {
			return fmt.Errorf("%w: only the listing owner may accept bids", ErrForbidden)
		}
		if !l.Status.CanTransition(model.ListingSold) {
			return listingStateErr(l)
		}

		b, err := e.loadBid(ctx, bidID)
		if err != nil {
			return err
		}
		if b.ListingID != l.ID {
			return ErrBidListingMismatch
		}
		now := e.now()
		if !b.Status.CanTransition(model.BidAccepted) {
			return fmt.Errorf("%w: bid is %s", ErrBidNotPending, b.Status)
		}
		if !b.LiveAt(now) {
			return ErrBidExpired
		}

		siblings, err := e.store.ListBidsByListing(ctx, l.ID)
		if err != nil {
			return fmt.Errorf("list bids: %w", err)
		}
		rejected := make([]*model.Bid, 0, len(siblings))
		rejectedIDs := make([]uuid.UUID, 0, len(siblings))
		for _, s := range siblings {
			if s.ID == b.ID || s.Status != model.BidPending {
				continue
			}
			rejected = append(rejected, s)
			rejectedIDs = append(rejectedIDs, s.ID)
		}

		entry, err := e.rec.Append(ctx, farmerID, ledger.BidAccepted{
			ListingID:      l.ID,
			BidID:          b.ID,
			FarmerID:       l.FarmerID,
			BuyerID:        b.BuyerID,
			FinalAmount:    b.Amount,
			Quantity:       b.Quantity,
			RejectedBidIDs: rejectedIDs,
		})
		if err != nil {
			return fmt.Errorf("record acceptance: %w", err)
		}

		l.Status = model.ListingSold
		l.UpdatedAt = now
		b.Status = model.BidAccepted
		b.UpdatedAt = now
		for _, r := range rejected {
			r.Status = model.BidRejected
			r.UpdatedAt = now
		}
		changed := append([]*model.Bid{b}, rejected...)
		if err := e.store.SaveTransition(ctx, l, changed); err != nil {
			e.remember(l.ID, &unsavedState{listing: l, changed: changed, nonce: entry.Nonce})
			return fmt.Errorf("save acceptance: %w", err)
		}
		e.forgetChecked(l.ID)

		acc = &Acceptance{Listing: l, Accepted: b, Rejected: rejected, Entry: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("bid accepted",
		zap.String("listing_id", listingID.String()),
		zap.String("bid_id", bidID.String()),
		zap.Int("rejected", len(acc.Rejected)),
		zap.Int64("nonce", acc.Entry.Nonce),
	)
	return acc, nil
}

// CancelListing withdraws an ACTIVE listing. Its PENDING bids become
// REJECTED, recorded as one LISTING_CANCELLED entry.
func (e *Engine) CancelListing(ctx context.Context, listingID uuid.UUID, farmerID string) (*model.Listing, error) {
	var out *model.Listing
	err := e.withListing(ctx, listingID, func() error {
		l, err := e.loadCurrent(ctx, listingID)
		if err != nil {
			return err
		}
		if l.FarmerID != farmerID {
			return fmt.Errorf("%w: only the listing owner may cancel it", ErrForbidden)
		}
		if !l.Status.CanTransition(model.ListingCancelled) {
			return listingStateErr(l)
		}

		bids, err := e.store.ListBidsByListing(ctx, l.ID)
		if err != nil {
			return fmt.Errorf("list bids: %w", err)
		}
		rejected := make([]*model.Bid, 0, len(bids))
		rejectedIDs := make([]uuid.UUID, 0, len(bids))
		for _, b := range bids {
			if b.Status.CanTransition(model.BidRejected) {
				rejected = append(rejected, b)
				rejectedIDs = append(rejectedIDs, b.ID)
			}
		}

		entry, err := e.rec.Append(ctx, farmerID, ledger.ListingCancelled{
			ListingID:      l.ID,
			FarmerID:       l.FarmerID,
			RejectedBidIDs: rejectedIDs,
		})
		if err != nil {
			return fmt.Errorf("record cancellation: %w", err)
		}

		now := e.now()
		l.Status = model.ListingCancelled
		l.UpdatedAt = now
		for _, b := range rejected {
			b.Status = model.BidRejected
			b.UpdatedAt = now
		}
		if err := e.store.SaveTransition(ctx, l, rejected); err != nil {
			e.remember(l.ID, &unsavedState{listing: l, changed: rejected, nonce: entry.Nonce})
			return fmt.Errorf("save cancellation: %w", err)
		}
		e.forgetChecked(l.ID)
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("listing cancelled",
		zap.String("listing_id", listingID.String()),
		zap.String("farmer_id", farmerID),
	)
	return out, nil
}

// ExpireStale moves PENDING bids with expires_at <= now and ACTIVE listings
// with expires_at <= now to EXPIRED, one ledger entry per transition.
// Running it again with the same now makes no further transitions.
//
// A listing whose lock cannot be taken is skipped and picked up on the
// next run. Other per-listing failures are joined into the returned error
// alongside the transitions that did complete.
func (e *Engine) ExpireStale(ctx context.Context, now time.Time) ([]Transition, error) {
	ids, err := e.store.ListStaleListingIDs(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list stale listings: %w", err)
	}

	var (
		out  []Transition
		errs []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := e.withListing(ctx, id, func() error {
			ts, err := e.expireListing(ctx, id, now)
			out = append(out, ts...)
			return err
		})
		if errors.Is(err, ErrBusy) {
			e.logger.Warn("expiry skipped busy listing", zap.String("listing_id", id.String()))
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("listing %s: %w", id, err))
		}
	}

	if len(out) > 0 {
		e.logger.Info("stale entities expired", zap.Int("transitions", len(out)))
	}
	return out, errors.Join(errs...)
}

// expireListing runs with the listing lock held. Whatever was recorded in
// the ledger is saved even if a later append fails.
func (e *Engine) expireListing(ctx context.Context, id uuid.UUID, now time.Time) ([]Transition, error) {
	l, err := e.loadCurrent(ctx, id)
	if err != nil {
		return nil, err
	}
	bids, err := e.store.ListBidsByListing(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}

	var (
		out       []Transition
		changed   []*model.Bid
		dirty     bool
		lastNonce int64
		recordErr error
	)
	for _, b := range bids {
		if b.Status != model.BidPending || now.Before(b.ExpiresAt) {
			continue
		}
		entry, err := e.rec.Append(ctx, SystemOwner, ledger.BidExpired{
			ListingID: id,
			BidID:     b.ID,
			BuyerID:   b.BuyerID,
		})
		if err != nil {
			recordErr = fmt.Errorf("record bid expiry: %w", err)
			break
		}
		b.Status = model.BidExpired
		b.UpdatedAt = now
		changed = append(changed, b)
		dirty = true
		lastNonce = entry.Nonce
		out = append(out, Transition{
			Entity: "bid", ID: b.ID, ListingID: id,
			From: string(model.BidPending), To: string(model.BidExpired), Nonce: entry.Nonce,
		})
	}

	if recordErr == nil && l.Status == model.ListingActive && !now.Before(l.ExpiresAt) {
		entry, err := e.rec.Append(ctx, SystemOwner, ledger.ListingExpired{
			ListingID: id,
			FarmerID:  l.FarmerID,
		})
		if err != nil {
			recordErr = fmt.Errorf("record listing expiry: %w", err)
		} else {
			l.Status = model.ListingExpired
			l.UpdatedAt = now
			dirty = true
			lastNonce = entry.Nonce
			out = append(out, Transition{
				Entity: "listing", ID: id, ListingID: id,
				From: string(model.ListingActive), To: string(model.ListingExpired), Nonce: entry.Nonce,
			})
		}
	}

	if dirty {
		if err := e.store.SaveTransition(ctx, l, changed); err != nil {
			e.remember(id, &unsavedState{listing: l, changed: changed, nonce: lastNonce})
			return out, errors.Join(recordErr, fmt.Errorf("save expiry: %w", err))
		}
		if l.Status != model.ListingActive {
			e.forgetChecked(id)
		}
	}
	return out, recordErr
}

// withListing runs fn holding the listing lock, after saving any state the
// ledger recorded for the listing but the store did not persist. A lock
// wait that exceeds the configured timeout is retried once before ErrBusy
// is returned.
func (e *Engine) withListing(ctx context.Context, id uuid.UUID, fn func() error) error {
	unlock, err := e.acquire(ctx, id)
	if errors.Is(err, ErrBusy) {
		unlock, err = e.acquire(ctx, id)
	}
	if err != nil {
		return err
	}
	defer unlock()
	if err := e.flushUnsaved(ctx, id); err != nil {
		return err
	}
	return fn()
}

func (e *Engine) acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, e.cfg.LockTimeout)
	defer cancel()
	unlock, err := e.locks.Lock(lctx, id.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("listing %s: %w", id, ErrBusy)
	}
	return unlock, nil
}

func (e *Engine) loadListing(ctx context.Context, id uuid.UUID) (*model.Listing, error) {
	l, err := e.store.GetListing(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

func (e *Engine) loadBid(ctx context.Context, id uuid.UUID) (*model.Bid, error) {
	b, err := e.store.GetBid(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("bid %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bid: %w", err)
	}
	return b, nil
}

// listingStateErr explains why a listing cannot take a bid or transition.
func listingStateErr(l *model.Listing) error {
	if l.Status == model.ListingSold {
		return ErrAlreadyAccepted
	}
	return fmt.Errorf("%w: status %s, expires %s", ErrListingInactive, l.Status, l.ExpiresAt.Format(time.RFC3339))
}

// Package service composes the bid engine, the ledger and the trust store
// into MarketplaceCore, the command and query surface used by the HTTP
// layer and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agrimarket/agrimarket/internal/keylock"
	"github.com/agrimarket/agrimarket/internal/ledger"
	"github.com/agrimarket/agrimarket/internal/market/engine"
	"github.com/agrimarket/agrimarket/internal/market/model"
	"github.com/agrimarket/agrimarket/internal/trust"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TrustStore persists trust scores.
type TrustStore interface {
	GetTrustScore(ctx context.Context, userID string) (trust.State, error)
	SaveTrustScore(ctx context.Context, userID string, st trust.State) error
}

// Store is everything MarketplaceCore persists.
// *repository.MemoryStore and *repository.PostgresStore satisfy it.
type Store interface {
	engine.Store
	TrustStore
}

// MarketplaceCore is the application-facing API of the marketplace.
// Every error it returns is an *Error.
type MarketplaceCore struct {
	engine      *engine.Engine
	store       Store
	ledger      ledger.Ledger
	logger      *zap.Logger
	locks       *keylock.Map
	lockTimeout time.Duration
}

// New creates a MarketplaceCore and the engine it drives.
func New(store Store, led ledger.Ledger, cfg engine.Config, logger *zap.Logger) *MarketplaceCore {
	eng := engine.New(store, led, cfg, logger)
	timeout := cfg.LockTimeout
	if timeout <= 0 {
		timeout = engine.DefaultConfig().LockTimeout
	}
	return &MarketplaceCore{
		engine:      eng,
		store:       store,
		ledger:      led,
		logger:      logger,
		locks:       keylock.New(),
		lockTimeout: timeout,
	}
}

// SetClock replaces the time source used for state transitions.
func (s *MarketplaceCore) SetClock(now func() time.Time) {
	s.engine.SetClock(now)
}

// fail converts err into an *Error, logging anything that is not part of
// the external vocabulary.
func (s *MarketplaceCore) fail(op string, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	out, visible := classify(err)
	switch {
	case !visible:
		s.logger.Error(op+" failed", zap.Error(err))
	case out.Code == CodeLedgerIntegrity:
		s.logger.Error(op+" refused: ledger integrity", zap.Error(err))
	}
	return out
}

// ── Commands ───────────────────────────────────────────────────────────────

// CreateListing records a new ACTIVE listing.
func (s *MarketplaceCore) CreateListing(ctx context.Context, in model.NewListing) (*model.Listing, error) {
	l, err := s.engine.CreateListing(ctx, in)
	if err != nil {
		return nil, s.fail("create listing", err)
	}
	return l, nil
}

// PlaceBid places a PENDING bid on a listing.
func (s *MarketplaceCore) PlaceBid(ctx context.Context, listingID uuid.UUID, buyerID string, amount, quantity decimal.Decimal) (*model.Bid, error) {
	b, err := s.engine.PlaceBid(ctx, listingID, buyerID, amount, quantity)
	if err != nil {
		return nil, s.fail("place bid", err)
	}
	return b, nil
}

// AcceptBid accepts a bid on the caller's listing.
func (s *MarketplaceCore) AcceptBid(ctx context.Context, farmerID string, listingID, bidID uuid.UUID) (*engine.Acceptance, error) {
	acc, err := s.engine.AcceptBid(ctx, farmerID, listingID, bidID)
	if err != nil {
		return nil, s.fail("accept bid", err)
	}
	return acc, nil
}

// CancelListing withdraws the caller's ACTIVE listing.
func (s *MarketplaceCore) CancelListing(ctx context.Context, listingID uuid.UUID, farmerID string) (*model.Listing, error) {
	l, err := s.engine.CancelListing(ctx, listingID, farmerID)
	if err != nil {
		return nil, s.fail("cancel listing", err)
	}
	return l, nil
}

// ExpireStale expires everything stale at now. Transitions that completed
// are returned even when some listings failed.
func (s *MarketplaceCore) ExpireStale(ctx context.Context, now time.Time) ([]engine.Transition, error) {
	ts, err := s.engine.ExpireStale(ctx, now)
	if err != nil {
		return ts, s.fail("expire stale", err)
	}
	return ts, nil
}

// SubmitRating records raterID's rating of ratedUserID and updates the
// rated user's trust score. The two users must share a settlement that the
// rater has not yet rated.
func (s *MarketplaceCore) SubmitRating(ctx context.Context, raterID, ratedUserID string, value int) (trust.State, error) {
	if err := trust.ValidateRating(value); err != nil {
		return trust.State{}, s.fail("submit rating", err)
	}
	switch {
	case strings.TrimSpace(raterID) == "" || strings.TrimSpace(ratedUserID) == "":
		return trust.State{}, s.fail("submit rating", &model.ErrValidation{Msg: "rater and rated user are required"})
	case raterID == ratedUserID:
		return trust.State{}, s.fail("submit rating", &model.ErrValidation{Msg: "users cannot rate themselves"})
	}

	var st trust.State
	err := s.withLock(ctx, "trust:"+ratedUserID, func() error {
		ok, err := s.hasUnratedSettlement(ctx, raterID, ratedUserID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoCompletedTransaction
		}

		if _, err := s.ledger.Append(ctx, raterID, ledger.RatingGiven{
			RaterID:     raterID,
			RatedUserID: ratedUserID,
			Value:       value,
		}); err != nil {
			return fmt.Errorf("record rating: %w", err)
		}

		cur, err := s.store.GetTrustScore(ctx, ratedUserID)
		if err != nil {
			return fmt.Errorf("load trust score: %w", err)
		}
		next, err := trust.ApplyRating(cur, value)
		if err != nil {
			return err
		}
		if err := s.store.SaveTrustScore(ctx, ratedUserID, next); err != nil {
			return fmt.Errorf("save trust score: %w", err)
		}
		st = next
		return nil
	})
	if err != nil {
		return trust.State{}, s.fail("submit rating", err)
	}

	s.logger.Info("rating submitted",
		zap.String("rater_id", raterID),
		zap.String("rated_user_id", ratedUserID),
		zap.Int("value", value),
		zap.Float64("avg_rating", st.AvgRating),
	)
	return st, nil
}

// hasUnratedSettlement reports whether the two users share more settled
// listings than raterID has rated ratedUserID.
func (s *MarketplaceCore) hasUnratedSettlement(ctx context.Context, raterID, ratedUserID string) (bool, error) {
	settled := make(map[uuid.UUID]struct{})
	ratings := 0

	for _, owner := range []string{raterID, ratedUserID} {
		for e, err := range s.ledger.EntriesForOwner(ctx, owner) {
			if err != nil {
				return false, fmt.Errorf("scan ledger for %s: %w", owner, err)
			}
			switch e.Kind {
			case ledger.KindBidAccepted, ledger.KindPaymentCompleted, ledger.KindRatingGiven:
			default:
				continue
			}
			p, err := ledger.DecodePayload(e)
			if err != nil {
				return false, err
			}
			switch v := p.(type) {
			case *ledger.BidAccepted:
				if involves(v, raterID, ratedUserID) {
					settled[v.ListingID] = struct{}{}
				}
			case *ledger.PaymentCompleted:
				if involves(v, raterID, ratedUserID) {
					settled[v.ListingID] = struct{}{}
				}
			case *ledger.RatingGiven:
				if owner == raterID && v.RaterID == raterID && v.RatedUserID == ratedUserID {
					ratings++
				}
			}
		}
	}
	return ratings < len(settled), nil
}

func involves(p ledger.Settlement, a, b string) bool {
	farmer, buyer := p.Parties()
	return (farmer == a && buyer == b) || (farmer == b && buyer == a)
}

// RecordPayment records the accepted buyer paying for a sold listing. The
// amount must equal the accepted bid and a listing is paid at most once.
func (s *MarketplaceCore) RecordPayment(ctx context.Context, buyerID string, listingID uuid.UUID, amount decimal.Decimal, reference string) (*ledger.Entry, error) {
	switch {
	case !amount.IsPositive():
		return nil, s.fail("record payment", &model.ErrValidation{Msg: "amount must be positive"})
	case strings.TrimSpace(reference) == "":
		return nil, s.fail("record payment", &model.ErrValidation{Msg: "reference is required"})
	}

	var entry *ledger.Entry
	err := s.withLock(ctx, "payment:"+listingID.String(), func() error {
		l, accepted, err := s.soldListing(ctx, listingID)
		if err != nil {
			return err
		}
		if accepted.BuyerID != buyerID {
			return fmt.Errorf("%w: only the accepted buyer may pay", engine.ErrForbidden)
		}
		if !amount.Equal(accepted.Amount) {
			return &model.ErrValidation{Msg: fmt.Sprintf("amount %s does not match accepted bid %s", amount, accepted.Amount)}
		}

		paid, err := s.findOwnerEntry(ctx, buyerID, func(p ledger.Payload) bool {
			v, ok := p.(*ledger.PaymentCompleted)
			return ok && v.ListingID == listingID
		})
		if err != nil {
			return err
		}
		if paid {
			return fmt.Errorf("%w: payment already recorded", engine.ErrInvalidTransition)
		}

		entry, err = s.ledger.Append(ctx, buyerID, ledger.PaymentCompleted{
			ListingID: l.ID,
			BidID:     accepted.ID,
			FarmerID:  l.FarmerID,
			BuyerID:   accepted.BuyerID,
			Amount:    amount,
			Reference: reference,
		})
		if err != nil {
			return fmt.Errorf("record payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, s.fail("record payment", err)
	}

	s.logger.Info("payment recorded",
		zap.String("listing_id", listingID.String()),
		zap.String("buyer_id", buyerID),
		zap.Int64("nonce", entry.Nonce),
	)
	return entry, nil
}

// SignContract records one party signing the contract of a sold listing.
// Only the hash of terms is stored; each party signs at most once.
func (s *MarketplaceCore) SignContract(ctx context.Context, signerID string, listingID uuid.UUID, terms string) (*ledger.Entry, error) {
	if strings.TrimSpace(terms) == "" {
		return nil, s.fail("sign contract", &model.ErrValidation{Msg: "terms are required"})
	}

	var entry *ledger.Entry
	err := s.withLock(ctx, "contract:"+listingID.String(), func() error {
		l, accepted, err := s.soldListing(ctx, listingID)
		if err != nil {
			return err
		}
		if signerID != l.FarmerID && signerID != accepted.BuyerID {
			return fmt.Errorf("%w: only the trading parties may sign", engine.ErrForbidden)
		}

		signed, err := s.findOwnerEntry(ctx, signerID, func(p ledger.Payload) bool {
			v, ok := p.(*ledger.ContractSigned)
			return ok && v.ListingID == listingID
		})
		if err != nil {
			return err
		}
		if signed {
			return fmt.Errorf("%w: contract already signed by %s", engine.ErrInvalidTransition, signerID)
		}

		entry, err = s.ledger.Append(ctx, signerID, ledger.ContractSigned{
			ListingID: l.ID,
			BidID:     accepted.ID,
			SignerID:  signerID,
			FarmerID:  l.FarmerID,
			BuyerID:   accepted.BuyerID,
			TermsHash: ledger.Hash([]byte(terms)),
		})
		if err != nil {
			return fmt.Errorf("record contract: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, s.fail("sign contract", err)
	}
	return entry, nil
}

// ReconcileTrustScore rebuilds a user's trust score from the RATING_GIVEN
// history in the ledger and overwrites the stored state.
func (s *MarketplaceCore) ReconcileTrustScore(ctx context.Context, userID string) (trust.State, error) {
	var st trust.State
	err := s.withLock(ctx, "trust:"+userID, func() error {
		var values []int
		const page = 500
		for from := int64(0); ; {
			entries, err := s.ledger.Entries(ctx, from, page)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.Kind != ledger.KindRatingGiven {
					continue
				}
				p, err := ledger.DecodePayload(e)
				if err != nil {
					return err
				}
				if r := p.(*ledger.RatingGiven); r.RatedUserID == userID {
					values = append(values, r.Value)
				}
			}
			if len(entries) < page {
				break
			}
			from = entries[len(entries)-1].Nonce + 1
		}

		next, err := trust.Recompute(values)
		if err != nil {
			return err
		}
		prev, err := s.store.GetTrustScore(ctx, userID)
		if err != nil {
			return fmt.Errorf("load trust score: %w", err)
		}
		if err := s.store.SaveTrustScore(ctx, userID, next); err != nil {
			return fmt.Errorf("save trust score: %w", err)
		}
		if prev != next {
			s.logger.Warn("trust score drift corrected",
				zap.String("user_id", userID),
				zap.Int("stored_total", prev.TotalRatings),
				zap.Int("ledger_total", next.TotalRatings),
			)
		}
		st = next
		return nil
	})
	if err != nil {
		return trust.State{}, s.fail("reconcile trust score", err)
	}
	return st, nil
}

// soldListing loads a SOLD listing and its accepted bid.
func (s *MarketplaceCore) soldListing(ctx context.Context, listingID uuid.UUID) (*model.Listing, *model.Bid, error) {
	l, err := s.loadListing(ctx, listingID)
	if err != nil {
		return nil, nil, err
	}
	if l.Status != model.ListingSold {
		return nil, nil, fmt.Errorf("%w: listing is %s, not SOLD", engine.ErrInvalidTransition, l.Status)
	}
	bids, err := s.store.ListBidsByListing(ctx, l.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list bids: %w", err)
	}
	for _, b := range bids {
		if b.Status == model.BidAccepted {
			return l, b, nil
		}
	}
	return nil, nil, fmt.Errorf("sold listing %s has no accepted bid", l.ID)
}

// findOwnerEntry reports whether any entry produced by owner matches.
func (s *MarketplaceCore) findOwnerEntry(ctx context.Context, owner string, match func(ledger.Payload) bool) (bool, error) {
	for e, err := range s.ledger.EntriesForOwner(ctx, owner) {
		if err != nil {
			return false, err
		}
		p, err := ledger.DecodePayload(e)
		if err != nil {
			return false, err
		}
		if match(p) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MarketplaceCore) withLock(ctx context.Context, key string, fn func() error) error {
	lctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	unlock, err := s.locks.Lock(lctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", key, engine.ErrBusy)
	}
	defer unlock()
	return fn()
}

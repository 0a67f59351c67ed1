package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BidStatus represents the lifecycle state of a bid.
type BidStatus string

const (
	BidPending  BidStatus = "PENDING"
	BidAccepted BidStatus = "ACCEPTED"
	BidRejected BidStatus = "REJECTED"
	BidExpired  BidStatus = "EXPIRED"
)

// Valid reports whether s is a known bid status.
func (s BidStatus) Valid() bool {
	switch s {
	case BidPending, BidAccepted, BidRejected, BidExpired:
		return true
	}
	return false
}

// CanTransition reports whether a bid may move from s to next.
func (s BidStatus) CanTransition(next BidStatus) bool {
	switch s {
	case BidPending:
		switch next {
		case BidAccepted, BidRejected, BidExpired:
			return true
		}
		return false
	case BidAccepted, BidRejected, BidExpired:
		return false
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s BidStatus) Terminal() bool {
	return s != BidPending
}

// Bid is a buyer's offer on a listing.
type Bid struct {
	ID        uuid.UUID       `json:"id"         db:"id"`
	ListingID uuid.UUID       `json:"listing_id" db:"listing_id"`
	BuyerID   string          `json:"buyer_id"   db:"buyer_id"`
	Amount    decimal.Decimal `json:"amount"     db:"amount"`
	Quantity  decimal.Decimal `json:"quantity"   db:"quantity"`
	Status    BidStatus       `json:"status"     db:"status"`
	ExpiresAt time.Time       `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Clone returns a copy of b.
func (b *Bid) Clone() *Bid {
	cp := *b
	return &cp
}

// LiveAt reports whether b is still PENDING and unexpired at now.
func (b *Bid) LiveAt(now time.Time) bool {
	return b.Status == BidPending && now.Before(b.ExpiresAt)
}

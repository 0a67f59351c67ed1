package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ListingStatus represents the lifecycle state of a crop listing.
type ListingStatus string

const (
	ListingActive    ListingStatus = "ACTIVE"
	ListingSold      ListingStatus = "SOLD"
	ListingExpired   ListingStatus = "EXPIRED"
	ListingCancelled ListingStatus = "CANCELLED"
)

// Valid reports whether s is a known listing status.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingActive, ListingSold, ListingExpired, ListingCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a listing may move from s to next.
// Status only moves forward: ACTIVE is the sole non-terminal state.
func (s ListingStatus) CanTransition(next ListingStatus) bool {
	switch s {
	case ListingActive:
		switch next {
		case ListingSold, ListingExpired, ListingCancelled:
			return true
		}
		return false
	case ListingSold, ListingExpired, ListingCancelled:
		return false
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s ListingStatus) Terminal() bool {
	return s != ListingActive
}

// Listing is a farmer's offer of a crop for sale. Listings are never deleted.
// SuggestedPrice is an opaque hint from an external pricing service; it is
// stored and echoed, never used for validation.
type Listing struct {
	ID             uuid.UUID        `json:"id"                        db:"id"`
	FarmerID       string           `json:"farmer_id"                 db:"farmer_id"`
	Crop           string           `json:"crop"                      db:"crop"`
	Quantity       decimal.Decimal  `json:"quantity"                  db:"quantity"`
	Unit           string           `json:"unit"                      db:"unit"`
	Status         ListingStatus    `json:"status"                    db:"status"`
	ExpectedPrice  decimal.Decimal  `json:"expected_price"            db:"expected_price"`
	MinPrice       *decimal.Decimal `json:"min_price,omitempty"       db:"min_price"`
	SuggestedPrice *decimal.Decimal `json:"suggested_price,omitempty" db:"suggested_price"`
	ExpiresAt      time.Time        `json:"expires_at"                db:"expires_at"`
	CreatedAt      time.Time        `json:"created_at"                db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"                db:"updated_at"`
}

// Clone returns a deep copy of l.
func (l *Listing) Clone() *Listing {
	cp := *l
	if l.MinPrice != nil {
		v := *l.MinPrice
		cp.MinPrice = &v
	}
	if l.SuggestedPrice != nil {
		v := *l.SuggestedPrice
		cp.SuggestedPrice = &v
	}
	return &cp
}

// AcceptsBidsAt reports whether the listing is open for bidding at now.
func (l *Listing) AcceptsBidsAt(now time.Time) bool {
	return l.Status == ListingActive && now.Before(l.ExpiresAt)
}

// NewListing is the input for creating a listing.
type NewListing struct {
	FarmerID       string
	Crop           string
	Quantity       decimal.Decimal
	Unit           string
	ExpectedPrice  decimal.Decimal
	MinPrice       *decimal.Decimal
	SuggestedPrice *decimal.Decimal
	ExpiresAt      time.Time
}

// Validate checks the listing input against now.
func (n *NewListing) Validate(now time.Time) error {
	switch {
	case strings.TrimSpace(n.FarmerID) == "":
		return &ErrValidation{Msg: "farmer_id is required"}
	case strings.TrimSpace(n.Crop) == "":
		return &ErrValidation{Msg: "crop is required"}
	case n.Quantity.IsNegative():
		return &ErrValidation{Msg: "quantity must not be negative"}
	case !n.ExpectedPrice.IsPositive():
		return &ErrValidation{Msg: "expected_price must be positive"}
	case n.MinPrice != nil && n.MinPrice.IsNegative():
		return &ErrValidation{Msg: "min_price must not be negative"}
	case n.MinPrice != nil && n.MinPrice.GreaterThan(n.ExpectedPrice):
		return &ErrValidation{Msg: "min_price must not exceed expected_price"}
	case !n.ExpiresAt.After(now):
		return &ErrValidation{Msg: "expires_at must be in the future"}
	}
	return nil
}

// ListingFilter narrows ListListings results.
type ListingFilter struct {
	Status   ListingStatus
	FarmerID string
	Crop     string
	Limit    int
	Offset   int
}

// ListingDetail is a listing together with every bid placed on it.
type ListingDetail struct {
	Listing *Listing `json:"listing"`
	Bids    []*Bid   `json:"bids"`
}

// ErrValidation is returned when the caller supplies invalid input.
// Handlers convert it to HTTP 400 rather than 500.
type ErrValidation struct{ Msg string }

func (e *ErrValidation) Error() string { return e.Msg }

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreateListingRequest is the payload for POST /listings. The farmer is
// taken from the caller's token, never from the body.
type CreateListingRequest struct {
	Crop           string           `json:"crop"           binding:"required"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Unit           string           `json:"unit"`
	ExpectedPrice  decimal.Decimal  `json:"expected_price"`
	MinPrice       *decimal.Decimal `json:"min_price"`
	SuggestedPrice *decimal.Decimal `json:"suggested_price"`
	ExpiresAt      time.Time        `json:"expires_at"`
}

// PlaceBidRequest is the payload for POST /listings/:id/bids.
type PlaceBidRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Quantity decimal.Decimal `json:"quantity"`
}

// PaymentRequest is the payload for POST /listings/:id/payment.
type PaymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference" binding:"required"`
}

// ContractRequest is the payload for POST /listings/:id/contract.
type ContractRequest struct {
	Terms string `json:"terms" binding:"required"`
}

// RatingRequest is the payload for POST /ratings.
type RatingRequest struct {
	RatedUserID string `json:"rated_user_id" binding:"required"`
	Value       int    `json:"value"`
}

package client

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Listing is a crop offered for sale.
type Listing struct {
	ID             string           `json:"id"`
	FarmerID       string           `json:"farmer_id"`
	Crop           string           `json:"crop"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Unit           string           `json:"unit"`
	Status         string           `json:"status"`
	ExpectedPrice  decimal.Decimal  `json:"expected_price"`
	MinPrice       *decimal.Decimal `json:"min_price,omitempty"`
	SuggestedPrice *decimal.Decimal `json:"suggested_price,omitempty"`
	ExpiresAt      time.Time        `json:"expires_at"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Bid is a buyer's offer on a listing.
type Bid struct {
	ID        string          `json:"id"`
	ListingID string          `json:"listing_id"`
	BuyerID   string          `json:"buyer_id"`
	Amount    decimal.Decimal `json:"amount"`
	Quantity  decimal.Decimal `json:"quantity"`
	Status    string          `json:"status"`
	ExpiresAt time.Time       `json:"expires_at"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ListingDetail is a listing with all of its bids.
type ListingDetail struct {
	Listing *Listing `json:"listing"`
	Bids    []*Bid   `json:"bids"`
}

// ListingPage is one page of ListListings results.
type ListingPage struct {
	Listings []*Listing `json:"listings"`
	Count    int        `json:"count"`
	Total    int        `json:"total"`
}

// ListOptions filters ListListings.
type ListOptions struct {
	Status   string
	FarmerID string
	Crop     string
	Limit    int
	Offset   int
}

// CreateListingRequest is the payload for CreateListing. The farmer is the
// owner of the bearer token.
type CreateListingRequest struct {
	Crop           string           `json:"crop"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Unit           string           `json:"unit"`
	ExpectedPrice  decimal.Decimal  `json:"expected_price"`
	MinPrice       *decimal.Decimal `json:"min_price,omitempty"`
	SuggestedPrice *decimal.Decimal `json:"suggested_price,omitempty"`
	ExpiresAt      time.Time        `json:"expires_at"`
}

// Acceptance is the outcome of AcceptBid.
type Acceptance struct {
	Listing  *Listing `json:"listing"`
	Accepted *Bid     `json:"accepted_bid"`
	Rejected []*Bid   `json:"rejected_bids"`
	Entry    *Entry   `json:"ledger_entry"`
}

// Entry is one block of the marketplace ledger.
type Entry struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"previous_block_hash"`
	Nonce       int64           `json:"nonce"`
	Hash        string          `json:"block_hash"`
	CreatedAt   time.Time       `json:"created_at"`
}

// LedgerOverview is the public summary of the chain.
type LedgerOverview struct {
	Length  int64    `json:"length"`
	Root    string   `json:"root"`
	Halted  bool     `json:"halted"`
	Entries []*Entry `json:"entries"`
}

// VerifyReport is the outcome of VerifyLedger. Nonce and Reason are set
// only when Valid is false.
type VerifyReport struct {
	Valid  bool         `json:"valid"`
	Nonce  int64        `json:"nonce"`
	Reason string       `json:"reason"`
	Result *VerifyRange `json:"result,omitempty"`
}

// VerifyRange describes a successfully verified nonce range.
type VerifyRange struct {
	From    int64  `json:"from"`
	To      int64  `json:"to"`
	Checked int64  `json:"checked"`
	Root    string `json:"root"`
}

// TrustState is a user's rating aggregate.
type TrustState struct {
	TotalRatings int     `json:"total_ratings"`
	RatingSum    int     `json:"rating_sum"`
	AvgRating    float64 `json:"avg_rating"`
}

// Transition is one status change made by an expiry sweep.
type Transition struct {
	Entity    string `json:"entity"`
	ID        string `json:"id"`
	ListingID string `json:"listing_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Nonce     int64  `json:"nonce"`
}

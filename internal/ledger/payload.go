package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payload is the typed body of a ledger entry. Each variant maps to exactly
// one Kind.
type Payload interface {
	Kind() Kind
}

// Settlement is implemented by payloads that record a completed trade
// between a farmer and a buyer. Ratings are only accepted between parties
// of a recorded settlement.
type Settlement interface {
	Payload
	Parties() (farmerID, buyerID string)
}

// ListingCreated records a farmer putting a crop on the market.
type ListingCreated struct {
	ListingID     uuid.UUID        `json:"listing_id"`
	FarmerID      string           `json:"farmer_id"`
	Crop          string           `json:"crop"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Unit          string           `json:"unit"`
	ExpectedPrice decimal.Decimal  `json:"expected_price"`
	MinPrice      *decimal.Decimal `json:"min_price,omitempty"`
	ExpiresAt     time.Time        `json:"expires_at"`
}

// BidPlaced records a buyer's offer on a listing.
type BidPlaced struct {
	ListingID uuid.UUID       `json:"listing_id"`
	BidID     uuid.UUID       `json:"bid_id"`
	BuyerID   string          `json:"buyer_id"`
	Amount    decimal.Decimal `json:"amount"`
	Quantity  decimal.Decimal `json:"quantity"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// BidAccepted records the single accepted bid of a listing together with
// every sibling bid rejected by the same decision.
type BidAccepted struct {
	ListingID      uuid.UUID       `json:"listing_id"`
	BidID          uuid.UUID       `json:"bid_id"`
	FarmerID       string          `json:"farmer_id"`
	BuyerID        string          `json:"buyer_id"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
	Quantity       decimal.Decimal `json:"quantity"`
	RejectedBidIDs []uuid.UUID     `json:"rejected_bid_ids"`
}

// PaymentCompleted records the buyer paying for an accepted bid.
type PaymentCompleted struct {
	ListingID uuid.UUID       `json:"listing_id"`
	BidID     uuid.UUID       `json:"bid_id"`
	FarmerID  string          `json:"farmer_id"`
	BuyerID   string          `json:"buyer_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// RatingGiven records one user rating another after a trade.
type RatingGiven struct {
	RaterID     string `json:"rater_id"`
	RatedUserID string `json:"rated_user_id"`
	Value       int    `json:"value"`
}

// ContractSigned records one party signing the contract of a sold listing.
type ContractSigned struct {
	ListingID uuid.UUID `json:"listing_id"`
	BidID     uuid.UUID `json:"bid_id"`
	SignerID  string    `json:"signer_id"`
	FarmerID  string    `json:"farmer_id"`
	BuyerID   string    `json:"buyer_id"`
	TermsHash string    `json:"terms_hash"`
}

// BidExpired records a pending bid lapsing without a decision.
type BidExpired struct {
	ListingID uuid.UUID `json:"listing_id"`
	BidID     uuid.UUID `json:"bid_id"`
	BuyerID   string    `json:"buyer_id"`
}

// ListingExpired records an active listing lapsing without a sale.
type ListingExpired struct {
	ListingID uuid.UUID `json:"listing_id"`
	FarmerID  string    `json:"farmer_id"`
}

// ListingCancelled records a farmer withdrawing a listing. Pending bids are
// rejected, not expired.
type ListingCancelled struct {
	ListingID      uuid.UUID   `json:"listing_id"`
	FarmerID       string      `json:"farmer_id"`
	RejectedBidIDs []uuid.UUID `json:"rejected_bid_ids"`
}

func (ListingCreated) Kind() Kind   { return KindListingCreated }
func (BidPlaced) Kind() Kind        { return KindBidPlaced }
func (BidAccepted) Kind() Kind      { return KindBidAccepted }
func (PaymentCompleted) Kind() Kind { return KindPaymentCompleted }
func (RatingGiven) Kind() Kind      { return KindRatingGiven }
func (ContractSigned) Kind() Kind   { return KindContractSigned }
func (BidExpired) Kind() Kind       { return KindBidExpired }
func (ListingExpired) Kind() Kind   { return KindListingExpired }
func (ListingCancelled) Kind() Kind { return KindListingCancelled }

func (p BidAccepted) Parties() (string, string)      { return p.FarmerID, p.BuyerID }
func (p PaymentCompleted) Parties() (string, string) { return p.FarmerID, p.BuyerID }

// DecodePayload parses the stored payload of e into its typed variant.
func DecodePayload(e *Entry) (Payload, error) {
	var p Payload
	switch e.Kind {
	case KindListingCreated:
		p = &ListingCreated{}
	case KindBidPlaced:
		p = &BidPlaced{}
	case KindBidAccepted:
		p = &BidAccepted{}
	case KindPaymentCompleted:
		p = &PaymentCompleted{}
	case KindRatingGiven:
		p = &RatingGiven{}
	case KindContractSigned:
		p = &ContractSigned{}
	case KindBidExpired:
		p = &BidExpired{}
	case KindListingExpired:
		p = &ListingExpired{}
	case KindListingCancelled:
		p = &ListingCancelled{}
	default:
		return nil, fmt.Errorf("unknown ledger entry kind %q", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("decode %s payload at nonce %d: %w", e.Kind, e.Nonce, err)
	}
	return p, nil
}

// encode validates the payload variant and returns its canonical bytes.
func encode(p Payload) (Kind, []byte, error) {
	if p == nil {
		return "", nil, fmt.Errorf("%w: nil payload", ErrSerialization)
	}
	kind := p.Kind()
	if !kind.Valid() {
		return "", nil, fmt.Errorf("%w: unknown kind %q", ErrSerialization, kind)
	}
	b, err := CanonicalSerialize(p)
	if err != nil {
		return "", nil, err
	}
	return kind, b, nil
}

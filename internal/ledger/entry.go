package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the well-known previous-block hash of the first entry.
// The entry at nonce 0 links to this constant; every later entry links to
// the block hash of its predecessor.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Kind tags a ledger entry with the marketplace event it records.
type Kind string

const (
	KindListingCreated   Kind = "LISTING_CREATED"
	KindBidPlaced        Kind = "BID_PLACED"
	KindBidAccepted      Kind = "BID_ACCEPTED"
	KindPaymentCompleted Kind = "PAYMENT_COMPLETED"
	KindRatingGiven      Kind = "RATING_GIVEN"
	KindContractSigned   Kind = "CONTRACT_SIGNED"
	KindBidExpired       Kind = "BID_EXPIRED"
	KindListingExpired   Kind = "LISTING_EXPIRED"
	KindListingCancelled Kind = "LISTING_CANCELLED"
)

// Valid reports whether k is one of the known entry kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindListingCreated, KindBidPlaced, KindBidAccepted,
		KindPaymentCompleted, KindRatingGiven, KindContractSigned,
		KindBidExpired, KindListingExpired, KindListingCancelled:
		return true
	}
	return false
}

// Entry is a single record in the marketplace ledger. Entries are created
// only by Append and never change afterwards.
type Entry struct {
	ID          uuid.UUID       `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`      // canonical bytes, stored verbatim
	PayloadHash string          `json:"payload_hash"` // SHA-256 of Payload
	PrevHash    string          `json:"previous_block_hash"`
	Nonce       int64           `json:"nonce"`
	Hash        string          `json:"block_hash"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Hash returns the hex-encoded SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ComputeBlockHash hashes the linkage fields of an entry in a fixed order.
// Each field is length-prefixed so that no two distinct tuples share an
// encoding.
func ComputeBlockHash(payloadHash, prevHash string, nonce int64, ownerID string, kind Kind) string {
	h := sha256.New()
	for _, field := range []string{
		payloadHash,
		prevHash,
		strconv.FormatInt(nonce, 10),
		ownerID,
		string(kind),
	} {
		h.Write([]byte(strconv.Itoa(len(field))))
		h.Write([]byte{':'})
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// blockHash recomputes the block hash of e from its stored fields.
func blockHash(e *Entry) string {
	return ComputeBlockHash(e.PayloadHash, e.PrevHash, e.Nonce, e.OwnerID, e.Kind)
}

// tail is the current end of the chain: the last nonce and its block hash.
// An empty chain has nonce -1 and GenesisHash.
type tail struct {
	nonce int64
	hash  string
	at    time.Time
}

var emptyTail = tail{nonce: -1, hash: GenesisHash}

// next builds the entry that extends t. createdAt never moves backwards
// along the chain even if the wall clock does.
func (t tail) next(ownerID string, kind Kind, payload []byte, now time.Time) *Entry {
	if now.Before(t.at) {
		now = t.at
	}
	e := &Entry{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Kind:        kind,
		Payload:     payload,
		PayloadHash: Hash(payload),
		PrevHash:    t.hash,
		Nonce:       t.nonce + 1,
		CreatedAt:   now,
	}
	e.Hash = blockHash(e)
	return e
}
